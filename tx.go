package stm

import (
	"fmt"
	"sync/atomic"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/stm/internal/segment"
)

// TxID identifies a transaction for the lifetime of the epoch that
// admitted it, per spec 3.
type TxID = segment.TxID

// ReadOnly, DestroyOwner, and InvalidTx are spec 3's reserved tx
// sentinels.
const (
	ReadOnly     = segment.ReadOnly
	DestroyOwner = segment.DestroyOwner
	InvalidTx    = segment.InvalidTx
)

const (
	txLive = iota
	txCommitted
	txAborted
)

// Tx is the handle returned by Begin. It is not safe for concurrent use by
// multiple goroutines: spec 5 has each thread drive one transaction at a
// time.
type Tx struct {
	id       TxID
	readOnly bool
	region   *Region
	seq      uint64
	state    uint32 // atomic; txLive/txCommitted/txAborted
}

// ID returns the transaction's tx id, READ_ONLY for a read-only
// transaction.
func (tx *Tx) ID() TxID { return tx.id }

func (tx *Tx) checkUsable() error {
	if atomic.LoadUint32(&tx.state) != txLive {
		return ErrTxNotUsable
	}
	return nil
}

// abort runs a full rollback of tx across every segment in the table and
// leaves the batcher, per spec 4.2's rollback operation (which ends by
// calling leave(tx)). After abort returns, tx is no longer usable.
func (tx *Tx) abort() {
	if !atomic.CompareAndSwapUint32(&tx.state, txLive, txAborted) {
		return
	}
	r := tx.region
	if tx.id != ReadOnly {
		r.table.Rollback(tx.id)
	}
	r.sched.Leave(tx.id, r.table)
	r.metrics.txEnded.WithLabelValues("aborted").Inc()
	r.metrics.inFlight.Set(float64(r.sched.InFlight()))
	level.Debug(r.logger).Log("msg", "transaction aborted", "tx", tx.id, "seq", tx.seq)
}

// End signals the batcher that tx has finished, per spec 6's end
// operation. committed is true when tx's writes are (or will be, once the
// epoch closes) part of the committed state. Calling End more than once,
// or after a Read/Write has already aborted tx, is safe and idempotent.
func (tx *Tx) End() (committed bool, err error) {
	if !atomic.CompareAndSwapUint32(&tx.state, txLive, txCommitted) {
		// Already aborted or already ended.
		return atomic.LoadUint32(&tx.state) == txCommitted, nil
	}
	r := tx.region
	r.sched.Leave(tx.id, r.table)
	r.metrics.txEnded.WithLabelValues("committed").Inc()
	r.metrics.inFlight.Set(float64(r.sched.InFlight()))
	return true, nil
}

// Read copies len(dst) bytes from the shared address src into dst, per
// spec 6's read operation. A returned ErrAborted means tx hit a conflict
// and is no longer usable; the caller must stop using it (an internal
// rollback has already run).
func (tx *Tx) Read(src Addr, dst []byte) error {
	if err := tx.checkUsable(); err != nil {
		return err
	}
	if len(dst) == 0 || len(dst)%tx.region.declaredAlign != 0 {
		return fmt.Errorf("%w: read length %d is not a positive multiple of align %d", ErrInvalidArgument, len(dst), tx.region.declaredAlign)
	}

	seg, _, ok := tx.region.table.GetSegment(src)
	if !ok {
		tx.abort()
		return ErrAborted
	}

	readOK, err := seg.Read(tx.id, src, len(dst), dst, tx.region.maxWriters)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	if !readOK {
		tx.abort()
		return ErrAborted
	}
	return nil
}

// Write copies src into the shared address dst, per spec 6's write
// operation. A returned ErrAborted means tx hit a conflict and is no
// longer usable.
func (tx *Tx) Write(dst Addr, src []byte) error {
	if err := tx.checkUsable(); err != nil {
		return err
	}
	if tx.readOnly {
		return fmt.Errorf("%w: read-only transaction cannot write", ErrInvalidArgument)
	}
	if len(src) == 0 || len(src)%tx.region.declaredAlign != 0 {
		return fmt.Errorf("%w: write length %d is not a positive multiple of align %d", ErrInvalidArgument, len(src), tx.region.declaredAlign)
	}

	seg, _, ok := tx.region.table.GetSegment(dst)
	if !ok {
		tx.abort()
		return ErrAborted
	}

	writeOK, err := seg.Write(tx.id, dst, len(src), src)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	if !writeOK {
		tx.abort()
		return ErrAborted
	}
	return nil
}

// Alloc appends a new segment of n bytes (Added, owned by tx) to the
// region and returns its base address, per spec 4.2's alloc operation.
// The new segment is visible to tx immediately; it becomes visible to
// later epochs once tx commits.
func (tx *Tx) Alloc(n int) (Addr, error) {
	if err := tx.checkUsable(); err != nil {
		return 0, err
	}
	if tx.readOnly {
		return 0, fmt.Errorf("%w: read-only transaction cannot allocate", ErrInvalidArgument)
	}
	if n <= 0 || n%tx.region.declaredAlign != 0 {
		return 0, fmt.Errorf("%w: alloc size %d is not a positive multiple of align %d", ErrInvalidArgument, n, tx.region.declaredAlign)
	}

	seg, _, err := tx.region.table.Alloc(n, tx.id)
	if err != nil {
		level.Error(tx.region.logger).Log("msg", "segment allocation failed", "tx", tx.id, "err", err)
		return 0, fmt.Errorf("%w: %s", ErrNoMem, err)
	}
	// segment.NewSegment zero-fills the new buffer, so both the readable
	// and writable halves already start zeroed (spec_full E,
	// mirroring the original tm_alloc's memset) with no extra work here.
	tx.region.metrics.segmentsAllocated.Inc()
	return seg.Base(), nil
}

// Free marks the segment addr belongs to as pending removal, per spec
// 4.2's free operation. It is reclaimed during the next batch-commit that
// reaches it from the tail. The initial segment (index 0) can never be
// freed, per spec 3.
func (tx *Tx) Free(addr Addr) error {
	if err := tx.checkUsable(); err != nil {
		return err
	}
	if tx.readOnly {
		return fmt.Errorf("%w: read-only transaction cannot free", ErrInvalidArgument)
	}

	seg, idx, ok := tx.region.table.GetSegment(addr)
	if !ok {
		tx.abort()
		return ErrAborted
	}
	if idx == 0 {
		return ErrSegmentNotFreeable
	}
	if seg.Base() != addr {
		return fmt.Errorf("%w: free address is not an allocation base", ErrInvalidArgument)
	}
	if !seg.Free(tx.id) {
		tx.abort()
		return ErrAborted
	}
	return nil
}
