// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ramcache

import (
	"sync"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/heap"
)

// clfusEntry tracks the bookkeeping CLFUS needs per resident item:
// access frequency and size, which together determine its admission
// score (spec.md §4.6).
type clfusEntry struct {
	key  cachekey.Key
	data *IOBufferData
	freq uint32
	size int64
}

// score favors items that are both frequently accessed and small,
// penalising both low frequency and large size as spec.md §4.6
// requires.
func (e *clfusEntry) score() float64 {
	return float64(e.freq) / float64(e.size+1)
}

type sampleCand struct {
	key   cachekey.Key
	score float64
}

// CLFUS is an admission-conditioned LFU-with-sampling policy: on
// insert it samples a handful of resident entries, compares the new
// item's score against the worst of the sample, and only admits the
// new item if it clears that bar (or if there is free budget to
// simply add it without evicting anything).
type CLFUS struct {
	mu         sync.Mutex
	budget     int64
	used       int64
	entries    map[cachekey.Key]*clfusEntry
	sampleSize int
	threshold  float64 // adapting admission bar, for observability
}

// NewCLFUS returns a CLFUS policy with the given byte budget and a
// fixed sample size of 5.
func NewCLFUS(budget int64) *CLFUS {
	return &CLFUS{
		budget:     budget,
		entries:    make(map[cachekey.Key]*clfusEntry),
		sampleSize: 5,
	}
}

func (c *CLFUS) Get(k cachekey.Key) (*IOBufferData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	e.freq++
	return e.data, true
}

// Put admits data under k if its score clears the sampled admission
// bar, evicting sampled low-score residents to make room as needed.
// Returns false if the item was rejected (too large for the budget,
// or scored too low against the live sample), in which case the
// caller retains ownership of data and should Release it.
func (c *CLFUS) Put(k cachekey.Key, data *IOBufferData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(data.Len())
	if size > c.budget {
		return false
	}
	if old, ok := c.entries[k]; ok {
		c.used -= int64(old.data.Len())
		old.data.Release()
		delete(c.entries, k)
	}

	cand := &clfusEntry{key: k, data: data, freq: 1, size: size}
	newScore := cand.score()

	for c.used+size > c.budget {
		victimKey, victimScore, ok := c.sampleMinLocked()
		if !ok {
			break // cache is empty but the item alone exceeds budget; let it in anyway
		}
		if newScore < victimScore {
			c.threshold = (c.threshold + victimScore) / 2
			return false
		}
		c.evictLocked(victimKey)
	}

	c.entries[k] = cand
	c.used += size
	c.threshold = (c.threshold + newScore) / 2
	return true
}

// sampleMinLocked draws up to c.sampleSize candidates from the
// resident set (Go's randomized map iteration order stands in for
// the reservoir sample) and returns the lowest-scoring one, using the
// shared heap package to order the small sample.
func (c *CLFUS) sampleMinLocked() (cachekey.Key, float64, bool) {
	if len(c.entries) == 0 {
		return cachekey.Key{}, 0, false
	}
	sample := make([]sampleCand, 0, c.sampleSize)
	for k, e := range c.entries {
		sample = append(sample, sampleCand{key: k, score: e.score()})
		if len(sample) >= c.sampleSize {
			break
		}
	}
	heap.OrderSlice(sample, func(a, b sampleCand) bool { return a.score < b.score })
	return sample[0].key, sample[0].score, true
}

func (c *CLFUS) evictLocked(k cachekey.Key) {
	e, ok := c.entries[k]
	if !ok {
		return
	}
	c.used -= e.size
	e.data.Release()
	delete(c.entries, k)
}

func (c *CLFUS) Remove(k cachekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(k)
}

func (c *CLFUS) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *CLFUS) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
