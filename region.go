package stm

import (
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/stm/internal/batch"
	"github.com/dreamsxin/stm/internal/segment"
)

// Addr is an address into a Region's shared memory. start + k*align
// addresses the (k+1)-th word, matching spec 6.
type Addr = segment.Addr

// Region is the top-level handle of spec 3: it owns the declared size and
// alignment, the batcher, and the segment table.
type Region struct {
	declaredSize  int
	declaredAlign int

	table *segment.Table
	sched *batch.Scheduler

	maxWriters int
	logger     log.Logger
	metrics    *regionMetrics

	destroyed uint32 // atomic
	txSeq     uint64 // atomic; monotonically increasing debug id for *Tx

	// segSnapshot holds the most recent *immutable.SortedMap[int, DebugSegment],
	// refreshed by onEpochClose. DebugSegments reads it without touching the
	// live table, so introspection never contends with the per-word atomics
	// on the hot path.
	segSnapshot atomic.Value
}

// Create builds a new Region whose initial segment is size bytes, word
// aligned to align bytes. size must be a positive multiple of align and
// align must be a power of two, per spec 6.
func Create(size, wordAlign int, opts ...Option) (*Region, error) {
	if wordAlign <= 0 || wordAlign&(wordAlign-1) != 0 {
		return nil, fmt.Errorf("%w: align %d is not a power of two", ErrInvalidArgument, wordAlign)
	}
	if size <= 0 || size%wordAlign != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of align %d", ErrInvalidArgument, size, wordAlign)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	table := segment.NewTable(cfg.maxSegments, cfg.allocator, wordAlign)
	if _, err := table.InitInitial(size); err != nil {
		level.Error(cfg.logger).Log("msg", "initial segment allocation failed", "err", err)
		return nil, fmt.Errorf("%w: %s", ErrNoMem, err)
	}

	r := &Region{
		declaredSize:  size,
		declaredAlign: wordAlign,
		table:         table,
		maxWriters:    cfg.maxWriters,
		logger:        cfg.logger,
		metrics:       newRegionMetrics(cfg.registerer),
	}
	r.sched = batch.NewScheduler(cfg.maxWriters, r.onEpochClose)
	r.metrics.writerQuota.Set(float64(cfg.maxWriters))
	r.refreshSnapshot()
	return r, nil
}

func (r *Region) onEpochClose(stats segment.BatchCommitStats, writers int) {
	r.metrics.epochsClosed.Inc()
	r.metrics.segmentsPromoted.Add(float64(stats.Promoted))
	r.metrics.segmentsFreed.Add(float64(stats.Reclaimed))
	r.metrics.currentEpoch.Set(float64(r.sched.Epoch()))
	r.metrics.writerQuota.Set(float64(r.sched.WriterQuotaRemaining()))
	r.refreshSnapshot()
	if writers > 0 {
		level.Debug(r.logger).Log(
			"msg", "epoch closed",
			"epoch", r.sched.Epoch(),
			"writers", writers,
			"promoted", stats.Promoted,
			"reclaimed", stats.Reclaimed,
		)
	}
}

// refreshSnapshot rebuilds the lock-free introspection mirror from the live
// table. Called from Create and from onEpochClose, while the batcher's
// ticket lock is still held, so it never races a concurrent batch-commit.
func (r *Region) refreshSnapshot() {
	m := &immutable.SortedMap[int, DebugSegment]{}
	n := r.table.Len()
	for i := 0; i < n; i++ {
		s := r.table.At(i)
		if s == nil {
			continue
		}
		m = m.Set(i, DebugSegment{
			Index:     i,
			Base:      s.Base(),
			Size:      s.Size(),
			Owner:     TxID(s.Owner()),
			Lifecycle: s.Lifecycle(),
		})
	}
	r.segSnapshot.Store(m)
}

// Destroy releases every segment. It refuses while any transaction is in
// flight, per spec 6.
func (r *Region) Destroy() error {
	if r.sched.InFlight() > 0 {
		return ErrTxInFlight
	}
	if !atomic.CompareAndSwapUint32(&r.destroyed, 0, 1) {
		return nil
	}
	r.table.DestroyAll()
	return nil
}

// Start returns the address of the first word of the initial segment.
func (r *Region) Start() Addr {
	return r.table.At(0).Base()
}

// Size returns the region's declared size in bytes.
func (r *Region) Size() int { return r.declaredSize }

// Align returns the region's declared alignment in bytes.
func (r *Region) Align() int { return r.declaredAlign }

// Begin admits a new transaction into the current epoch (or the next one,
// if a writer quota is exhausted), per spec 4.1's enter operation.
func (r *Region) Begin(readOnly bool) (*Tx, error) {
	if atomic.LoadUint32(&r.destroyed) == 1 {
		return nil, fmt.Errorf("%w: region destroyed", ErrInvalidArgument)
	}
	id := r.sched.Enter(readOnly, r.table)
	tx := &Tx{
		id:       id,
		readOnly: readOnly,
		region:   r,
		seq:      atomic.AddUint64(&r.txSeq, 1),
	}
	if readOnly {
		r.metrics.txBegun.WithLabelValues("ro").Inc()
	} else {
		r.metrics.txBegun.WithLabelValues("rw").Inc()
	}
	r.metrics.inFlight.Set(float64(r.sched.InFlight()))
	r.metrics.writerQuota.Set(float64(r.sched.WriterQuotaRemaining()))
	return tx, nil
}

// DebugSegment reports a snapshot of segment i's metadata for tests and
// tooling. It is not part of the transactional hot path.
type DebugSegment struct {
	Index     int
	Base      Addr
	Size      int
	Owner     TxID
	Lifecycle segment.Lifecycle
}

// DebugSegments returns a point-in-time snapshot of every live segment, as
// of the last epoch to close. It never touches the live table, so it is
// safe to call concurrently with in-flight transactions without
// contending on the per-word atomics; the result may lag the current
// epoch by one batch-commit.
func (r *Region) DebugSegments() []DebugSegment {
	m, _ := r.segSnapshot.Load().(*immutable.SortedMap[int, DebugSegment])
	if m == nil {
		return nil
	}
	out := make([]DebugSegment, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		out = append(out, seg)
	}
	return out
}
