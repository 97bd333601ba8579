// Package batch implements the batched, epoch-based scheduler of spec 4.1:
// it admits read-only transactions freely, admits up to a bounded number of
// writers per epoch, and runs the batch-commit barrier exactly once per
// epoch, with no transaction in flight, before releasing the next epoch.
package batch

import (
	"runtime"
	"sync/atomic"

	"github.com/dreamsxin/stm/internal/segment"
)

// ReadOnly is returned by Enter for read-only admissions, mirroring
// segment.ReadOnly so callers never need to import both packages just to
// compare tx ids.
const ReadOnly = segment.ReadOnly

// Committer runs the batch-commit barrier (spec 4.3) while the scheduler
// still holds its ticket lock. It is implemented by the segment table so
// this package never needs to know about segment layout.
type Committer interface {
	BatchCommit() segment.BatchCommitStats
}

// Scheduler is the batcher of spec 4.1: four atomics (counter, nb_entered,
// nb_write_tx, epoch) guarded by a ticket lock pair (take, pass).
type Scheduler struct {
	maxWriters int64

	take uint64 // atomic; next ticket to hand out
	pass uint64 // atomic; ticket currently being served

	counter   int64  // atomic; remaining writer admission slots this epoch
	nbEntered int64  // atomic; transactions currently in flight
	nbWriteTx int64  // atomic; writers admitted to the current epoch
	epoch     uint64 // atomic; monotonically increasing generation

	onEpochClose func(stats segment.BatchCommitStats, writers int)
}

// NewScheduler constructs a scheduler admitting up to maxWriters writers
// per epoch. onEpochClose, if non-nil, is called with the batch-commit
// stats (zero-value if no writers were admitted) every time an epoch
// closes, while the ticket lock is still held, so it can update metrics
// or logs without racing the next epoch's admissions.
func NewScheduler(maxWriters int, onEpochClose func(segment.BatchCommitStats, int)) *Scheduler {
	return &Scheduler{
		maxWriters:   int64(maxWriters),
		counter:      int64(maxWriters),
		onEpochClose: onEpochClose,
	}
}

// lock and unlock form a simple fair (FIFO) ticket lock: take a ticket, spin until
// it's being served, release by advancing pass. Bounded spinning with a
// runtime.Gosched hint is acceptable per spec 4.1/5; no condition
// variables are required.
func (s *Scheduler) lock() {
	my := atomic.AddUint64(&s.take, 1) - 1
	for atomic.LoadUint64(&s.pass) != my {
		runtime.Gosched()
	}
}

func (s *Scheduler) unlock() {
	atomic.AddUint64(&s.pass, 1)
}

// Enter admits a transaction into the current (or, for a blocked writer,
// the next available) epoch, per spec 4.1's enter operation.
func (s *Scheduler) Enter(readOnly bool, c Committer) segment.TxID {
	for {
		s.lock()

		if readOnly {
			atomic.AddInt64(&s.nbEntered, 1)
			s.unlock()
			return segment.ReadOnly
		}

		if atomic.LoadInt64(&s.counter) == 0 {
			// Writer quota exhausted this epoch; remember the epoch we saw
			// and wait for it to advance before retrying admission.
			seenEpoch := atomic.LoadUint64(&s.epoch)
			s.unlock()
			s.awaitEpochPast(seenEpoch)
			continue
		}

		atomic.AddInt64(&s.counter, -1)
		atomic.AddInt64(&s.nbEntered, 1)
		tx := segment.TxID(atomic.AddInt64(&s.nbWriteTx, 1))
		s.unlock()
		return tx
	}
}

// Leave signals that tx has finished (committed or been rolled back), per
// spec 4.1's leave operation. If tx was the last participant of an epoch
// that admitted any writers, Leave runs the batch-commit barrier via c
// before releasing the next epoch. A non-last writer blocks inside Leave
// until the epoch advances, so it only returns once it can observe the
// post-commit snapshot.
func (s *Scheduler) Leave(tx segment.TxID, c Committer) {
	s.lock()

	remaining := atomic.AddInt64(&s.nbEntered, -1)
	if remaining == 0 {
		writers := int(atomic.LoadInt64(&s.nbWriteTx))
		var stats segment.BatchCommitStats
		if writers > 0 {
			stats = c.BatchCommit()
		}
		atomic.StoreInt64(&s.counter, s.maxWriters)
		atomic.StoreInt64(&s.nbWriteTx, 0)
		atomic.AddUint64(&s.epoch, 1)
		if s.onEpochClose != nil {
			s.onEpochClose(stats, writers)
		}
		s.unlock()
		return
	}

	seenEpoch := atomic.LoadUint64(&s.epoch)
	s.unlock()
	if tx != segment.ReadOnly {
		s.awaitEpochPast(seenEpoch)
	}
}

func (s *Scheduler) awaitEpochPast(seen uint64) {
	for atomic.LoadUint64(&s.epoch) == seen {
		runtime.Gosched()
	}
}

// Epoch returns the current epoch generation, for diagnostics and tests.
func (s *Scheduler) Epoch() uint64 { return atomic.LoadUint64(&s.epoch) }

// InFlight returns the number of transactions currently admitted, for
// diagnostics and tests.
func (s *Scheduler) InFlight() int { return int(atomic.LoadInt64(&s.nbEntered)) }

// WriterQuotaRemaining returns the number of writer admission slots left
// in the current epoch, for metrics.
func (s *Scheduler) WriterQuotaRemaining() int { return int(atomic.LoadInt64(&s.counter)) }
