// Package segment implements the segment table and per-word control
// protocol described by spec 3 and spec 4.4: an append-only vector of
// aligned, contiguous buffers, each carrying a readable copy, a writable
// copy, and one atomic control word per word-sized slot.
package segment

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/dreamsxin/stm/internal/align"
)

// Lifecycle enumerates a segment's place in the alloc/free cycle (spec 3).
type Lifecycle uint32

const (
	Default Lifecycle = iota
	Added
	Removed
	AddedRemoved
)

// Addr is a shared-region address. Pointer arithmetic of the form
// base + k*wordAlign addresses the (k+1)-th word of a segment, matching
// spec 6's description of start/alloc addresses.
type Addr = uintptr

const controlWordSize = int(unsafe.Sizeof(uint64(0)))

// Segment is one aligned buffer laid out as [readable][writable][controls],
// per spec 3.
type Segment struct {
	buf      []byte
	readable []byte
	writable []byte
	controls []uint64

	byteSize  int
	wordAlign int

	owner     uint32 // atomic TxID
	lifecycle uint32 // atomic Lifecycle

	alloc align.Allocator
}

// NewSegment allocates a segment's backing buffer and zero-fills it, so both
// copies start zeroed and every control starts free.
func NewSegment(a align.Allocator, byteSize, wordAlign int, owner TxID, lifecycle Lifecycle) (*Segment, error) {
	if byteSize <= 0 || wordAlign <= 0 || byteSize%wordAlign != 0 {
		return nil, fmt.Errorf("segment: size %d is not a positive multiple of align %d", byteSize, wordAlign)
	}
	nWords := byteSize / wordAlign
	effAlign := align.EffectiveAlign(uintptr(wordAlign))

	// Controls must start on an 8-byte boundary for correct atomic uint64
	// access regardless of wordAlign, so pad the mirror region up to that.
	pad := (controlWordSize - (2*byteSize)%controlWordSize) % controlWordSize
	controlsOff := 2*byteSize + pad
	total := controlsOff + nWords*controlWordSize

	buf, err := a.Alloc(total, effAlign)
	if err != nil {
		return nil, err
	}
	// The Allocator interface does not promise zeroed memory.
	for i := range buf {
		buf[i] = 0
	}

	s := &Segment{
		buf:       buf,
		readable:  buf[:byteSize:byteSize],
		writable:  buf[byteSize : 2*byteSize : 2*byteSize],
		byteSize:  byteSize,
		wordAlign: wordAlign,
		owner:     uint32(owner),
		lifecycle: uint32(lifecycle),
		alloc:     a,
	}
	if nWords > 0 {
		s.controls = unsafe.Slice((*uint64)(unsafe.Pointer(&buf[controlsOff])), nWords)
	}
	return s, nil
}

// Base returns the address of the segment's first word.
func (s *Segment) Base() Addr { return Addr(uintptr(unsafe.Pointer(&s.readable[0]))) }

// Size returns the segment's declared byte size.
func (s *Segment) Size() int { return s.byteSize }

// Contains reports whether addr falls inside this segment's readable range.
func (s *Segment) Contains(addr Addr) bool {
	base := s.Base()
	return addr >= base && addr < base+Addr(s.byteSize)
}

func (s *Segment) Owner() TxID          { return TxID(atomic.LoadUint32(&s.owner)) }
func (s *Segment) SetOwner(tx TxID)     { atomic.StoreUint32(&s.owner, uint32(tx)) }
func (s *Segment) Lifecycle() Lifecycle { return Lifecycle(atomic.LoadUint32(&s.lifecycle)) }
func (s *Segment) SetLifecycle(l Lifecycle) {
	atomic.StoreUint32(&s.lifecycle, uint32(l))
}
func (s *Segment) CASOwner(old, new TxID) bool {
	return atomic.CompareAndSwapUint32(&s.owner, uint32(old), uint32(new))
}

// wordRange validates [addr, addr+n) and returns the first control index,
// the word count, and the byte offset of addr within the segment.
func (s *Segment) wordRange(addr Addr, n int) (first, count, off int, err error) {
	if !s.Contains(addr) {
		return 0, 0, 0, fmt.Errorf("segment: address not in segment")
	}
	off = int(addr - s.Base())
	if off%s.wordAlign != 0 || n <= 0 || n%s.wordAlign != 0 {
		return 0, 0, 0, fmt.Errorf("segment: misaligned access (off=%d n=%d align=%d)", off, n, s.wordAlign)
	}
	first = off / s.wordAlign
	count = n / s.wordAlign
	if off+n > s.byteSize {
		return 0, 0, 0, fmt.Errorf("segment: access out of range")
	}
	return first, count, off, nil
}

// Read implements spec 4.2's read operation for one segment. ok=false means
// the access hit another writer's locked word and the caller must abort.
func (s *Segment) Read(tx TxID, addr Addr, n int, dst []byte, maxWriters int) (bool, error) {
	if tx == ReadOnly {
		off := int(addr - s.Base())
		if off < 0 || off+n > s.byteSize {
			return false, fmt.Errorf("segment: access out of range")
		}
		copy(dst, s.readable[off:off+n])
		return true, nil
	}

	first, count, off, err := s.wordRange(addr, n)
	if err != nil {
		return false, err
	}
	wlen := s.wordAlign
	for i := 0; i < count; i++ {
		idx := first + i
		wordOff := off + i*wlen
		seg := dst[i*wlen : (i+1)*wlen]

		if atomic.LoadUint64(&s.controls[idx]) == uint64(tx) {
			copy(seg, s.writable[wordOff:wordOff+wlen])
			continue
		}
		if !markRead(s.controls, idx, tx, maxWriters) {
			return false, nil
		}
		copy(seg, s.readable[wordOff:wordOff+wlen])
	}
	return true, nil
}

// Write implements spec 4.2's write operation for one segment. ok=false
// means a word in range is locked by another writer; any words this call
// locked itself are released before returning so only a genuinely held
// lock needs the engine's broader rollback to clean up.
func (s *Segment) Write(tx TxID, addr Addr, n int, src []byte) (bool, error) {
	first, count, off, err := s.wordRange(addr, n)
	if err != nil {
		return false, err
	}

	for i := 0; i < count; i++ {
		idx := first + i
		if markWrite(s.controls, idx, tx) {
			continue
		}
		for j := 0; j < i; j++ {
			unlock(s.controls, first+j, tx)
		}
		return false, nil
	}

	wlen := s.wordAlign
	for i := 0; i < count; i++ {
		wordOff := off + i*wlen
		copy(s.writable[wordOff:wordOff+wlen], src[i*wlen:(i+1)*wlen])
	}
	return true, nil
}

// Rollback undoes every control entry tx holds in this segment: write-locks
// are released after discarding the staged write (copying readable back
// over writable), single-reader marks are simply cleared. Safe to call
// concurrently with another tx's rollback since it only ever touches
// entries bearing tx's own identifiers (spec 4.2).
func (s *Segment) Rollback(tx TxID) {
	wlen := s.wordAlign
	for i := range s.controls {
		word := &s.controls[i]
		for {
			c := atomic.LoadUint64(word)
			if c == uint64(tx) {
				off := i * wlen
				copy(s.writable[off:off+wlen], s.readable[off:off+wlen])
				if atomic.CompareAndSwapUint64(word, c, 0) {
					break
				}
				continue
			}
			if c == complement(tx) {
				if atomic.CompareAndSwapUint64(word, c, 0) {
					break
				}
				continue
			}
			break
		}
	}
}

// RollbackOwnership undoes an alloc/free performed by tx on this segment,
// per spec 4.2's rollback rule for segment ownership.
func (s *Segment) RollbackOwnership(tx TxID) {
	if s.Owner() != tx {
		return
	}
	switch s.Lifecycle() {
	case Added, AddedRemoved:
		s.SetOwner(DestroyOwner)
	default:
		s.SetLifecycle(Default)
		s.SetOwner(0)
	}
}

// Free marks a segment pending removal on behalf of tx, per spec 4.2's
// free operation.
func (s *Segment) Free(tx TxID) bool {
	if !s.CASOwner(0, tx) && s.Owner() != tx {
		return false
	}
	switch s.Lifecycle() {
	case Added:
		s.SetLifecycle(AddedRemoved)
	default:
		s.SetLifecycle(Removed)
	}
	return true
}

// Table is the append-only segment vector of spec 4.4. Its capacity is
// fixed at construction (the expected segment count per region is small,
// per spec, so a bounded pre-sized table keeps get_segment's scan and
// alloc's index assignment both lock-free).
type Table struct {
	size  int64 // atomic; current live length
	slots []atomic.Pointer[Segment]

	alloc     align.Allocator
	wordAlign int
}

// NewTable constructs an empty table with room for capacity segments.
func NewTable(capacity int, a align.Allocator, wordAlign int) *Table {
	return &Table{
		slots:     make([]atomic.Pointer[Segment], capacity),
		alloc:     a,
		wordAlign: wordAlign,
	}
}

// InitInitial installs the region's initial segment (spec 3: index 0,
// Default lifecycle, owner 0, never freeable) and must be called exactly
// once before any other Table method.
func (t *Table) InitInitial(byteSize int) (*Segment, error) {
	seg, err := NewSegment(t.alloc, byteSize, t.wordAlign, 0, Default)
	if err != nil {
		return nil, err
	}
	t.slots[0].Store(seg)
	atomic.StoreInt64(&t.size, 1)
	return seg, nil
}

// Len returns the current number of live slots.
func (t *Table) Len() int { return int(atomic.LoadInt64(&t.size)) }

// At returns the segment at index i, or nil if out of range or reclaimed.
func (t *Table) At(i int) *Segment {
	if i < 0 || i >= t.Len() {
		return nil
	}
	return t.slots[i].Load()
}

// Alloc appends a new Added segment owned by tx and returns it with its
// stable index, per spec 4.2's alloc operation. The index assignment uses
// a relaxed fetch-add (spec 5) since Alloc only ever runs while a
// transaction is in flight, which batch-commit's CAS-guarded shrink never
// races with.
func (t *Table) Alloc(byteSize int, owner TxID) (*Segment, int, error) {
	seg, err := NewSegment(t.alloc, byteSize, t.wordAlign, owner, Added)
	if err != nil {
		return nil, 0, err
	}
	idx := int(atomic.AddInt64(&t.size, 1)) - 1
	if idx >= len(t.slots) {
		atomic.AddInt64(&t.size, -1)
		return nil, 0, fmt.Errorf("segment: table capacity %d exhausted", len(t.slots))
	}
	t.slots[idx].Store(seg)
	return seg, idx, nil
}

// GetSegment scans for the segment containing addr, per spec 4.4. A
// segment whose owner is DestroyOwner is reported as not found, which
// callers must treat as an abort.
func (t *Table) GetSegment(addr Addr) (seg *Segment, index int, ok bool) {
	n := t.Len()
	for i := 0; i < n; i++ {
		s := t.slots[i].Load()
		if s == nil {
			continue
		}
		if !s.Contains(addr) {
			continue
		}
		if s.Owner() == DestroyOwner {
			return nil, 0, false
		}
		return s, i, true
	}
	return nil, 0, false
}

// Rollback undoes every effect tx had on every live segment in the table:
// staged writes, read marks, and any alloc/free ownership.
func (t *Table) Rollback(tx TxID) {
	n := t.Len()
	for i := 0; i < n; i++ {
		s := t.slots[i].Load()
		if s == nil {
			continue
		}
		s.Rollback(tx)
		s.RollbackOwnership(tx)
	}
}

// BatchCommitStats is returned by BatchCommit: Promoted counts segments
// whose writable half was promoted, Reclaimed counts segments freed from
// the tail. The caller can report them as metrics without the table
// needing to know about Prometheus.
type BatchCommitStats struct {
	Promoted  int
	Reclaimed int
}

// BatchCommit runs the batch-commit barrier of spec 4.3: scanning tail to
// head, it reclaims segments pending destruction (only from the tail, to
// preserve index stability) and promotes every other segment's writable
// half onto its readable half, zeroing controls. The caller must hold the
// batcher's ticket lock and guarantee nb_entered == 0 while this runs.
func (t *Table) BatchCommit() BatchCommitStats {
	var stats BatchCommitStats
	n := t.Len()
	for i := n - 1; i >= 0; i-- {
		s := t.slots[i].Load()
		if s == nil {
			continue
		}
		owner := s.Owner()
		lc := s.Lifecycle()
		pendingFree := owner == DestroyOwner || (owner != 0 && (lc == Removed || lc == AddedRemoved))
		if pendingFree {
			if atomic.CompareAndSwapInt64(&t.size, int64(i+1), int64(i)) {
				s.alloc.Free(s.buf)
				t.slots[i].Store(nil)
				stats.Reclaimed++
				continue
			}
			// A newer segment exists past i; defer reclamation to a later
			// epoch but make sure it's still recognized as pending.
			s.SetOwner(DestroyOwner)
			s.SetLifecycle(Default)
			continue
		}

		s.SetOwner(0)
		s.SetLifecycle(Default)
		copy(s.readable, s.writable)
		for j := range s.controls {
			atomic.StoreUint64(&s.controls[j], 0)
		}
		stats.Promoted++
	}
	return stats
}

// DestroyAll frees every live segment unconditionally. Only safe to call
// when no transaction is in flight.
func (t *Table) DestroyAll() {
	n := t.Len()
	for i := 0; i < n; i++ {
		s := t.slots[i].Load()
		if s == nil {
			continue
		}
		s.alloc.Free(s.buf)
		t.slots[i].Store(nil)
	}
	atomic.StoreInt64(&t.size, 0)
}
