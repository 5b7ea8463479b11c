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
	"container/list"
	"sync"

	"github.com/SnellerInc/cachedb/cachekey"
)

// Policy is the interchangeable eviction strategy a Cache delegates
// to (spec.md §4.6: "Two interchangeable policies selectable at
// init").
type Policy interface {
	Get(k cachekey.Key) (*IOBufferData, bool)
	// Put inserts data under k, evicting as needed to respect budget.
	// It returns false if the item itself exceeds budget and could
	// not be admitted at all.
	Put(k cachekey.Key, data *IOBufferData) bool
	Remove(k cachekey.Key)
	Bytes() int64
	Len() int
}

type lruEntry struct {
	key  cachekey.Key
	data *IOBufferData
}

// LRU is a doubly-linked-list least-recently-used policy: Get moves
// the accessed entry to the front; Put evicts from the back until
// the byte budget is respected (spec.md §4.6).
type LRU struct {
	mu     sync.Mutex
	budget int64
	used   int64
	ll     *list.List
	index  map[cachekey.Key]*list.Element
}

// NewLRU returns an LRU policy with the given byte budget.
func NewLRU(budget int64) *LRU {
	return &LRU{
		budget: budget,
		ll:     list.New(),
		index:  make(map[cachekey.Key]*list.Element),
	}
}

func (c *LRU) Get(k cachekey.Key) (*IOBufferData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

func (c *LRU) Put(k cachekey.Key, data *IOBufferData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := int64(data.Len())
	if size > c.budget {
		return false
	}
	if el, ok := c.index[k]; ok {
		old := el.Value.(*lruEntry)
		c.used -= int64(old.data.Len())
		old.data = data
		c.used += size
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruEntry{key: k, data: data})
		c.index[k] = el
		c.used += size
	}
	c.evictLocked()
	return true
}

func (c *LRU) evictLocked() {
	for c.used > c.budget {
		back := c.ll.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*lruEntry)
		c.used -= int64(ent.data.Len())
		ent.data.Release()
		delete(c.index, ent.key)
		c.ll.Remove(back)
	}
}

func (c *LRU) Remove(k cachekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[k]
	if !ok {
		return
	}
	ent := el.Value.(*lruEntry)
	c.used -= int64(ent.data.Len())
	ent.data.Release()
	delete(c.index, k)
	c.ll.Remove(el)
}

func (c *LRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
