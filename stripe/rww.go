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

package stripe

import "sync"

// WriterState is the in-flight byte buffer a read-while-write reader
// attaches to (spec.md §4.5). A writer appends to it as fragments are
// produced; a reader polls Snapshot or blocks in Wait for more bytes
// or completion.
type WriterState struct {
	mu     sync.Mutex
	buf    []byte
	done   bool
	err    error
	notify chan struct{}
}

func newWriterState() *WriterState {
	return &WriterState{notify: make(chan struct{}, 1)}
}

// Append adds newly-produced body bytes and wakes any blocked reader.
func (w *WriterState) Append(b []byte) {
	w.mu.Lock()
	w.buf = append(w.buf, b...)
	w.mu.Unlock()
	w.signal()
}

// Finish marks the write complete (err == nil) or aborted (err != nil).
// A nil err means the writer's Dir entry is now resolvable and the
// reader should fall back to a normal disk read for anything it
// hasn't already consumed; a non-nil err means the reader should
// report EOS with ndone equal to the bytes already consumed (spec.md
// §4.5, §7 "Writer aborts mid-object").
func (w *WriterState) Finish(err error) {
	w.mu.Lock()
	w.done = true
	w.err = err
	w.mu.Unlock()
	w.signal()
}

func (w *WriterState) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns the bytes produced so far, whether the write has
// finished, and its terminal error (nil on success).
func (w *WriterState) Snapshot() (buf []byte, done bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf, w.done, w.err
}

// Wait blocks until more bytes are appended or the write finishes. It
// returns immediately if the write has already finished.
func (w *WriterState) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done {
		return
	}
	<-w.notify
}
