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

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/event"
	"github.com/SnellerInc/cachedb/internal/aio"
	"github.com/SnellerInc/cachedb/ramcache"
	"github.com/google/uuid"
)

// Defaults matching spec.md §6's configuration surface. A stripe
// constructed without an explicit Options uses these.
const (
	DefaultAggSize         = 4 << 20  // 4 MiB aggregation buffer
	DefaultMaxFragSize     = 1 << 20  // 1 MiB target fragment size
	DefaultAggWriteBacklog = 5242880  // spec.md §6 default
	DefaultDirBuckets      = 4096
)

var (
	// ErrAggTooLarge is returned by AddWriter when a single write
	// would not fit in one flush of the aggregation buffer.
	ErrAggTooLarge = errors.New("stripe: write exceeds aggregation buffer size")
	// ErrHeaderTooLarge is returned when header_len leaves no room
	// for a body in a single fragment.
	ErrHeaderTooLarge = errors.New("stripe: header too large for one fragment")
	// ErrBacklogFull is returned when the stripe's pending-write
	// backlog is already at capacity.
	ErrBacklogFull = errors.New("stripe: aggregation write backlog full")
	// ErrNotFound is returned by OpenRead on a directory/cache miss.
	ErrNotFound = errors.New("stripe: key not found")
	ErrClosed   = errors.New("stripe: closed")
)

// WriteRequest is what a Cache VC (cachevc package) hands to a Stripe
// to admit one fragment's worth of write work (spec.md §4.4). Stripe
// has no knowledge of VCs themselves, keeping the write path testable
// independent of the cache-VC state machine layer.
type WriteRequest struct {
	FirstKey  cachekey.Key
	Key       cachekey.Key
	Header    []byte // non-empty only for the first fragment of an object
	Body      []byte
	Evacuator bool
	Sync      bool
	// Readers reports whether this write has RWW readers attached;
	// a pure header-sync with no readers and no body is exempt from
	// the backlog cap (spec.md §4.4 add_writer rule 3).
	Readers bool

	Done func(WriteResult)
}

// WriteResult is delivered to WriteRequest.Done once the fragment's
// Doc has been durably flushed (or the write failed/aborted).
type WriteResult struct {
	Err         error
	Offset      int64
	WriteSerial uint64
}

// ReadResult is returned by Stripe.OpenRead on a hit.
type ReadResult struct {
	Doc *Doc
	RWW *WriterState // non-nil when attaching to an in-flight writer instead
}

// pendingWrite is a WriteRequest queued for the next flush cycle.
type pendingWrite struct {
	req *WriteRequest
	doc *Doc
}

// Stripe is one contiguous disk region: its write cursor, aggregation
// buffer, directory, and RAM-cache-adjacent bookkeeping (spec.md
// §3.4). Every mutation to the directory, aggregation buffer, or
// write cursor happens while mu is held, matching spec.md §5's
// "stripe's mutex protects its directory, aggregation buffer, and
// write cursor" rule.
type Stripe struct {
	mu sync.Mutex

	Start int64
	Len   int64

	volumeID uuid.UUID

	writePos    int64
	phase       bool
	aggPos      int64
	writeSerial uint64
	syncSerial  uint64

	dir *Dir

	aggSize         int
	maxFragSize     int
	aggWriteBacklog int
	enableChecksum  bool
	strongChecksum  bool

	aggBuf       []byte
	queue        []*pendingWrite
	pendingBytes int
	flushing     bool
	flushDone    *sync.Cond // signaled whenever a flush completes, for Close to wait on

	writers map[cachekey.Key]*WriterState

	// ramCache is the RAM cache entry spec.md §3.7 and §66 attach to
	// Stripe; nil disables the layer entirely (the zero Options leaves
	// RAMCacheBudget at 0). Put/Get/Remove never block on disk I/O, so
	// calling them while mu is held never risks stalling the directory
	// or write-cursor work mu otherwise serializes.
	ramCache ramcache.Policy

	fd   int
	disp *aio.Dispatcher
	log  *log.Logger

	closed bool
}

// Options configures a Stripe at construction.
type Options struct {
	AggSize         int
	MaxFragSize     int
	AggWriteBacklog int
	DirBuckets      int
	DirMaxEntries   int
	EnableChecksum  bool
	// StrongChecksum selects the blake2b-backed checksum over the
	// weak additive one (cache.enable_checksum=strong, spec.md §9).
	// Has no effect unless EnableChecksum is also set.
	StrongChecksum bool
	Logger         *log.Logger
	// Header, when non-nil, restores the stripe's cursor and volume
	// id from a previously-persisted DiskHeader (spec.md §3.4
	// "created at process start from persistent disk headers") rather
	// than initializing blank.
	Header *DiskHeader

	// RAMCacheAlgorithm selects the RAM cache eviction policy ("lru"
	// or "clfus", cache.ram_cache.algorithm, spec.md §6). Ignored
	// unless RAMCacheBudget is positive.
	RAMCacheAlgorithm string
	// RAMCacheBudget is the RAM cache's byte budget (spec.md §3.7).
	// Zero (the default) disables the RAM cache layer entirely.
	RAMCacheBudget int64
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.AggSize == 0 {
		out.AggSize = DefaultAggSize
	}
	if out.MaxFragSize == 0 {
		out.MaxFragSize = DefaultMaxFragSize
	}
	if out.AggWriteBacklog == 0 {
		out.AggWriteBacklog = DefaultAggWriteBacklog
	}
	if out.DirBuckets == 0 {
		out.DirBuckets = DefaultDirBuckets
	}
	if out.DirMaxEntries == 0 {
		out.DirMaxEntries = out.DirBuckets * 4
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

// New constructs a Stripe spanning [start, start+length) on the disk
// identified by fd, dispatching its flushes through disp.
func New(start, length int64, fd int, disp *aio.Dispatcher, opts *Options) *Stripe {
	o := opts.withDefaults()
	s := &Stripe{
		Start:           start,
		Len:             length,
		volumeID:        uuid.New(),
		writePos:        start,
		aggPos:          start,
		dir:             NewDir(o.DirBuckets, o.DirMaxEntries),
		aggSize:         o.AggSize,
		maxFragSize:     o.MaxFragSize,
		aggWriteBacklog: o.AggWriteBacklog,
		enableChecksum:  o.EnableChecksum,
		strongChecksum:  o.StrongChecksum,
		aggBuf:          make([]byte, 0, o.AggSize),
		writers:         make(map[cachekey.Key]*WriterState),
		fd:              fd,
		disp:            disp,
		log:             o.Logger,
	}
	s.flushDone = sync.NewCond(&s.mu)
	if o.RAMCacheBudget > 0 {
		pol, err := ramcache.New(o.RAMCacheAlgorithm, o.RAMCacheBudget)
		if err != nil {
			o.Logger.Printf("stripe: ram cache disabled: %s", err)
		} else {
			s.ramCache = pol
		}
	}
	if o.Header != nil {
		s.volumeID = o.Header.VolumeID
		s.writePos = o.Header.WritePos
		s.phase = o.Header.Phase
		s.aggPos = o.Header.AggPos
		s.writeSerial = o.Header.WriteSerial
		s.syncSerial = o.Header.SyncSerial
	}
	return s
}

// WritePos and PendingBytes expose read-only observability; tests use
// WritePos.
func (s *Stripe) WritePos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePos
}

func (s *Stripe) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}

// AddWriter admits req into the stripe's write queue, applying the
// rejection rules of spec.md §4.4 in precedence order.
func (s *Stripe) AddWriter(req *WriteRequest) error {
	aggLen := int(EncodedLen(len(req.Header), len(req.Body)))
	if aggLen > s.aggSize {
		return ErrAggTooLarge
	}
	if len(req.Header) > s.maxFragSize-docHeaderSize {
		return ErrHeaderTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pureHeaderSync := len(req.Body) == 0 && !req.Readers
	if !req.Evacuator && !pureHeaderSync &&
		s.pendingBytes+aggLen > s.aggSize+s.aggWriteBacklog {
		return ErrBacklogFull
	}

	s.enqueueLocked(req, aggLen)

	if req.Sync {
		s.flushLocked(true)
	} else {
		s.flushLocked(false)
	}
	return nil
}

// enqueueLocked appends req to the write queue as an encoded pendingWrite.
// Must be called with mu held. Shared by AddWriter (external callers)
// and the evacuator (re-submitting a live Doc the cursor is about to
// overwrite).
func (s *Stripe) enqueueLocked(req *WriteRequest, aggLen int) {
	s.writeSerial++
	doc := &Doc{
		TotalLen:    uint32(len(req.Body)),
		HLen:        uint32(len(req.Header)),
		FirstKey:    req.FirstKey,
		Key:         req.Key,
		WriteSerial: s.writeSerial,
		SyncSerial:  s.syncSerial,
		Header:      req.Header,
		Body:        req.Body,
	}
	doc.Len = uint32(aggLen)
	if s.enableChecksum {
		if s.strongChecksum {
			doc.Flags |= flagStrongChecksum
		}
		doc.Checksum = checksumFor(doc.Flags, req.Header, req.Body)
	}

	s.queue = append(s.queue, &pendingWrite{req: req, doc: doc})
	s.pendingBytes += aggLen
}

// flushLocked runs the aggWrite loop (spec.md §4.4). Must be called
// with mu held. At most one flush is ever in flight (s.flushing); the
// AIO write this starts completes asynchronously, on a worker
// goroutine, so flushLocked does not wait for that write. It can
// block before submitting it, though: evacuateRangeLocked waits for
// the evacuation reads of any live entries in the range about to be
// overwritten. Further writers may enqueue behind this flush while
// it is in flight; completeFlush drains them once it finishes.
func (s *Stripe) flushLocked(forceSync bool) {
	if s.flushing {
		return
	}
	if len(s.queue) == 0 && !forceSync {
		return
	}

	var batch []*pendingWrite
	buf := make([]byte, 0, s.aggSize)
	i := 0
	for i < len(s.queue) {
		pw := s.queue[i]
		if len(buf)+int(pw.doc.Len) > s.aggSize {
			break
		}
		start := len(buf)
		buf = buf[:start+int(pw.doc.Len)]
		pw.doc.Encode(buf[start:])
		batch = append(batch, pw)
		s.pendingBytes -= int(pw.doc.Len)
		i++
	}
	if len(batch) == 0 {
		return
	}
	s.queue = s.queue[i:]
	s.flushing = true

	flushOffset := s.writePos
	flushLen := len(buf)

	s.evacuateRangeLocked(flushOffset, flushOffset+int64(flushLen))

	cont := event.NewContinuation(nil, func(code event.Code, data any) int {
		r := data.(*aio.Request)
		s.mu.Lock()
		s.completeFlush(batch, buf, flushOffset, flushLen, r.Err, forceSync)
		s.mu.Unlock()
		return event.DONE
	})
	req := &aio.Request{
		FD:     s.fd,
		Op:     aio.OpWrite,
		Buf:    buf,
		Offset: flushOffset,
		Cont:   cont,
	}
	s.disp.Submit(req)
}

// completeFlush installs Dir entries, advances the write cursor, and
// notifies every batched writer. Called with mu held; spec.md §5
// guarantees readers only observe a write after this point ("Dir
// entries are installed at flush-completion time").
func (s *Stripe) completeFlush(batch []*pendingWrite, buf []byte, flushOffset int64, flushLen int, writeErr error, wasSync bool) {
	s.flushing = false

	perItemErr := make([]error, len(batch))
	if writeErr == nil {
		off := flushOffset
		rel := 0
		for i, pw := range batch {
			// directory bucket exhaustion (spec.md §7) surfaces only to
			// this fragment; the bytes are durable on disk regardless.
			perItemErr[i] = s.dir.Insert(pw.doc.Key, off, pw.doc.Len, s.phase)
			if s.ramCache != nil && perItemErr[i] == nil {
				s.cacheRecordLocked(pw.doc.Key, buf[rel:rel+int(pw.doc.Len)])
			}
			if w, ok := s.writers[pw.req.Key]; ok {
				w.Finish(nil)
				delete(s.writers, pw.req.Key)
			}
			off += int64(pw.doc.Len)
			rel += int(pw.doc.Len)
		}
	} else {
		for i, pw := range batch {
			perItemErr[i] = writeErr
			if w, ok := s.writers[pw.req.Key]; ok {
				w.Finish(writeErr)
				delete(s.writers, pw.req.Key)
			}
		}
	}

	s.writePos += int64(flushLen)
	if s.writePos >= s.Start+s.Len {
		s.writePos = s.Start
		s.phase = !s.phase
	}
	s.aggPos = s.writePos

	if wasSync && writeErr == nil {
		s.syncSerial++
	}

	for i, pw := range batch {
		res := WriteResult{Err: perItemErr[i], Offset: flushOffset, WriteSerial: pw.doc.WriteSerial}
		if pw.req.Done != nil {
			pw.req.Done(res)
		}
	}

	// more queued work (e.g. it didn't fit the previous batch): keep draining.
	if len(s.queue) > 0 {
		s.flushLocked(false)
	}
	s.flushDone.Broadcast()
}

// cacheRecordLocked copies record (a fully-encoded on-disk record:
// header, then body) into the RAM cache under key, warming it at
// flush completion so a subsequent OpenRead needs no disk round trip
// (spec.md §4.5 step 1). Must be called with mu held and s.ramCache
// non-nil; Put and its mmap allocation never touch disk, so this
// cannot stall the directory/write-cursor work mu otherwise serializes.
func (s *Stripe) cacheRecordLocked(key cachekey.Key, record []byte) {
	iob, err := ramcache.NewMappedIOBufferData(len(record))
	if err != nil {
		iob = ramcache.NewIOBufferData(make([]byte, len(record)))
	}
	copy(iob.Bytes(), record)
	if !s.ramCache.Put(key, iob) {
		iob.Release()
	}
}

// BeginWrite registers key as having an in-flight writer so that a
// concurrent OpenRead can attach in RWW mode (spec.md §4.5). Returns
// the WriterState the caller (cachevc) should Append bytes to as they
// are produced.
func (s *Stripe) BeginWrite(key cachekey.Key) *WriterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := newWriterState()
	s.writers[key] = w
	return w
}

// AbortWrite marks an in-flight write as failed without ever reaching
// AddWriter (e.g. the caller aborted before producing a full
// fragment); any RWW readers see EOS with ndone = bytes already
// appended (spec.md §4.5, §7).
func (s *Stripe) AbortWrite(key cachekey.Key, err error) {
	s.mu.Lock()
	w, ok := s.writers[key]
	if ok {
		delete(s.writers, key)
	}
	s.mu.Unlock()
	if ok {
		if err == nil {
			err = fmt.Errorf("stripe: write for %s aborted", key)
		}
		w.Finish(err)
	}
}

// decodeRecord decodes and validates a full on-disk record (header
// plus body), whether the bytes came from a disk read or a RAM cache
// hit; both paths require the same magic/key/checksum checks.
func decodeRecord(buf []byte, key cachekey.Key, checksumOn bool) (*Doc, error) {
	doc, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if !doc.Key.Equal(key) {
		return nil, ErrBadMagic
	}
	if err := doc.DecodeBody(buf, checksumOn); err != nil {
		return nil, err
	}
	return doc, nil
}

// OpenRead resolves key to a Doc (spec.md §4.5). Step 1 consults the
// RAM cache and, on a hit, satisfies the read directly from the
// cached handle with no disk I/O at all. On a RAM cache miss it falls
// through to the directory; on a directory miss it checks for an
// in-flight writer producing that same key and, if found, returns a
// ReadResult carrying the WriterState for RWW attach instead of an
// error. A directory hit populates the RAM cache for next time.
func (s *Stripe) OpenRead(key cachekey.Key) (*ReadResult, error) {
	if s.ramCache != nil {
		if iob, ok := s.ramCache.Get(key); ok {
			if doc, err := decodeRecord(iob.Bytes(), key, s.enableChecksum); err == nil {
				return &ReadResult{Doc: doc}, nil
			}
			// stale or corrupt cache entry: fall through to the directory.
			s.ramCache.Remove(key)
		}
	}

	s.mu.Lock()
	entry, ok := s.dir.Lookup(key, s.phase)
	if !ok {
		if w, ok := s.writers[key]; ok {
			s.mu.Unlock()
			return &ReadResult{RWW: w}, nil
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	fd := s.fd
	disp := s.disp
	s.mu.Unlock()

	var iob *ramcache.IOBufferData
	var buf []byte
	if s.ramCache != nil {
		var merr error
		iob, merr = ramcache.NewMappedIOBufferData(int(entry.ApproxSize))
		if merr != nil {
			s.log.Printf("stripe: ram cache mmap failed, falling back to heap buffer: %s", merr)
			iob = ramcache.NewIOBufferData(make([]byte, entry.ApproxSize))
		}
		buf = iob.Bytes()
	} else {
		buf = make([]byte, entry.ApproxSize)
	}

	done := make(chan struct{})
	var readErr error
	cont := event.NewContinuation(nil, func(code event.Code, data any) int {
		r := data.(*aio.Request)
		readErr = r.Err
		close(done)
		return event.DONE
	})
	req := &aio.Request{FD: fd, Op: aio.OpRead, Buf: buf, Offset: entry.Offset, Cont: cont}
	disp.Submit(req)
	<-done
	if readErr != nil {
		if iob != nil {
			iob.Release()
		}
		return nil, readErr
	}

	doc, err := decodeRecord(buf, key, s.enableChecksum)
	if err != nil {
		if iob != nil {
			iob.Release()
		}
		s.mu.Lock()
		s.dir.Remove(key)
		s.mu.Unlock()
		return nil, err
	}

	if s.ramCache != nil && !s.ramCache.Put(key, iob) {
		iob.Release()
	}
	return &ReadResult{Doc: doc}, nil
}

// RAMCacheBytes reports the RAM cache's current occupancy, or 0 if the
// layer is disabled.
func (s *Stripe) RAMCacheBytes() int64 {
	if s.ramCache == nil {
		return 0
	}
	return s.ramCache.Bytes()
}

// RAMCacheLen reports the RAM cache's current entry count, or 0 if the
// layer is disabled.
func (s *Stripe) RAMCacheLen() int {
	if s.ramCache == nil {
		return 0
	}
	return s.ramCache.Len()
}

// RemoveAlternate deletes exactly one alternate's Dir entry (spec.md
// §3.6, scenario 3: "Alternate deletion"), leaving sibling alternates
// under the same first key untouched.
func (s *Stripe) RemoveAlternate(key cachekey.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.dir.Remove(key)
	if s.ramCache != nil {
		s.ramCache.Remove(key)
	}
	return removed
}

// Close flushes any pending writes and marks the stripe closed to new
// writers, blocking until every in-flight and queued flush has
// completed.
func (s *Stripe) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if !s.flushing && len(s.queue) > 0 {
		s.flushLocked(true)
	}
	for s.flushing || len(s.queue) > 0 {
		s.flushDone.Wait()
	}
}

// DirLive reports the number of live directory entries, for tests and
// metrics.
func (s *Stripe) DirLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Live()
}
