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

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProxyMutexRecursion(t *testing.T) {
	m := NewProxyMutex()
	const tid = ThreadID(1)
	require.True(t, m.TryLock(tid))
	require.True(t, m.TryLock(tid), "recursive lock by same holder must succeed")
	other := ThreadID(2)
	require.False(t, m.TryLock(other), "a different thread must not acquire a held mutex")
	m.Unlock(tid)
	require.False(t, m.TryLock(other), "still held: one recursion level remains")
	m.Unlock(tid)
	require.True(t, m.TryLock(other), "unheld after matching unlocks")
}

func TestProxyMutexUnlockByNonHolderPanics(t *testing.T) {
	m := NewProxyMutex()
	m.Lock(1)
	require.Panics(t, func() { m.Unlock(2) })
}

func TestProtectedQueuePreservesOrder(t *testing.T) {
	q := NewProtectedQueue()
	var events []*Event
	for i := 0; i < 5; i++ {
		e := NewEvent(nil, Code(i), time.Time{}, 0)
		events = append(events, e)
		q.Push(e)
	}
	drained := q.DrainAll()
	require.Len(t, drained, 5)
	for i, e := range drained {
		require.Equal(t, Code(i), e.Code)
	}
}

func TestProtectedQueueConcurrentPush(t *testing.T) {
	q := NewProtectedQueue()
	var wg sync.WaitGroup
	const producers, perProducer = 8, 50
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Push(NewEvent(nil, 0, time.Time{}, 0))
			}
		}()
	}
	wg.Wait()
	require.Len(t, q.DrainAll(), producers*perProducer)
}

func TestPriorityQueueBucketing(t *testing.T) {
	var pq PriorityQueue
	now := time.Now()
	near := NewEvent(nil, 1, now.Add(2*time.Millisecond), 0)
	far := NewEvent(nil, 2, now.Add(2*time.Second), 0)
	pq.Insert(near, now)
	pq.Insert(far, now)
	require.Equal(t, 2, pq.Len())

	ready := pq.CheckReady(now)
	require.Empty(t, ready, "neither event is due yet")

	ready = pq.CheckReady(now.Add(3 * time.Millisecond))
	require.Len(t, ready, 1)
	require.Equal(t, near, ready[0])
	require.Equal(t, 1, pq.Len())

	ready = pq.CheckReady(now.Add(3 * time.Second))
	require.Len(t, ready, 1)
	require.Equal(t, far, ready[0])
}

func TestEThreadDispatchRespectsMutex(t *testing.T) {
	ep := NewEventProcessor()
	threads := ep.Spawn("test", 1)
	defer ep.Stop()

	var mu sync.Mutex
	var count int
	done := make(chan struct{})
	cont := NewContinuation(NewProxyMutex(), func(code Code, data any) int {
		mu.Lock()
		count++
		mu.Unlock()
		close(done)
		return DONE
	})
	_ = threads
	_, err := ep.ScheduleImm("test", cont, 0)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never dispatched")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestEThreadRetriesWhenMutexHeld(t *testing.T) {
	ep := NewEventProcessor()
	ep.Spawn("test", 1)
	defer ep.Stop()

	mutex := NewProxyMutex()
	mutex.Lock(999) // held by an unrelated "thread" for a while
	ran := make(chan struct{})
	cont := NewContinuation(mutex, func(code Code, data any) int {
		close(ran)
		return DONE
	})
	ep.ScheduleImm("test", cont, 0)

	select {
	case <-ran:
		t.Fatal("handler should not run while mutex is held elsewhere")
	case <-time.After(RetryDelay / 2):
	}
	mutex.Unlock(999)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran after mutex released")
	}
}
