package stm_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/stm"
)

func putU64(buf []byte, v uint64) []byte {
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func getU64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func TestCreateValidatesArguments(t *testing.T) {
	_, err := stm.Create(0, 8)
	require.ErrorIs(t, err, stm.ErrInvalidArgument)

	_, err = stm.Create(16, 0)
	require.ErrorIs(t, err, stm.ErrInvalidArgument)

	_, err = stm.Create(10, 8)
	require.ErrorIs(t, err, stm.ErrInvalidArgument)

	_, err = stm.Create(16, 8)
	require.NoError(t, err)
}

// A single committed write is visible to the next transaction admitted
// after it.
func TestSingleWriterCommitIsVisible(t *testing.T) {
	r, err := stm.Create(64, 8)
	require.NoError(t, err)
	defer r.Destroy()

	w, err := r.Begin(false)
	require.NoError(t, err)
	require.NoError(t, w.Write(r.Start(), putU64(make([]byte, 8), 42)))
	committed, err := w.End()
	require.NoError(t, err)
	require.True(t, committed)

	reader, err := r.Begin(true)
	require.NoError(t, err)
	dst := make([]byte, 8)
	require.NoError(t, reader.Read(r.Start(), dst))
	require.Equal(t, uint64(42), getU64(dst))
	reader.End()
}

// Two writers touching disjoint words in the same epoch both commit.
func TestDisjointConcurrentWritersBothCommit(t *testing.T) {
	r, err := stm.Create(16, 8)
	require.NoError(t, err)
	defer r.Destroy()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := r.Begin(false)
			if err != nil {
				results[i] = err
				return
			}
			addr := r.Start() + uintptr(i*8)
			if err := tx.Write(addr, putU64(make([]byte, 8), uint64(i+1))); err != nil {
				results[i] = err
				return
			}
			_, results[i] = tx.End()
		}(i)
	}
	wg.Wait()
	require.NoError(t, results[0])
	require.NoError(t, results[1])

	reader, err := r.Begin(true)
	require.NoError(t, err)
	dst := make([]byte, 8)
	require.NoError(t, reader.Read(r.Start(), dst))
	require.Equal(t, uint64(1), getU64(dst))
	require.NoError(t, reader.Read(r.Start()+8, dst))
	require.Equal(t, uint64(2), getU64(dst))
	reader.End()
}

// When two writers race on the same word, exactly one of them must abort.
func TestConflictingConcurrentWritersOneAborts(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)
	defer r.Destroy()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var aborted, committed int

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := r.Begin(false)
			require.NoError(t, err)
			writeErr := tx.Write(r.Start(), putU64(make([]byte, 8), uint64(i)))

			mu.Lock()
			defer mu.Unlock()
			if writeErr != nil {
				require.ErrorIs(t, writeErr, stm.ErrAborted)
				aborted++
				return
			}
			ok, endErr := tx.End()
			require.NoError(t, endErr)
			require.True(t, ok)
			committed++
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, committed)
	require.Equal(t, 1, aborted)
}

// A read-only transaction admitted before a writer commits must not observe
// the writer's change: it sees the snapshot from the epoch it entered.
func TestReaderSnapshotIsolation(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)
	defer r.Destroy()

	w, err := r.Begin(false)
	require.NoError(t, err)
	require.NoError(t, w.Write(r.Start(), putU64(make([]byte, 8), 7)))

	reader, err := r.Begin(true)
	require.NoError(t, err)
	dst := make([]byte, 8)
	require.NoError(t, reader.Read(r.Start(), dst))
	require.Equal(t, uint64(0), getU64(dst), "reader must see the pre-commit snapshot")
	reader.End()

	_, err = w.End()
	require.NoError(t, err)

	after, err := r.Begin(true)
	require.NoError(t, err)
	require.NoError(t, after.Read(r.Start(), dst))
	require.Equal(t, uint64(7), getU64(dst))
	after.End()
}

// Alloc makes a new segment immediately usable by its own transaction; once
// committed it is visible to later transactions, and Free reclaims it.
func TestAllocFreeLifecycle(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)
	defer r.Destroy()

	w, err := r.Begin(false)
	require.NoError(t, err)
	addr, err := w.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, w.Write(addr, putU64(make([]byte, 8), 99)))
	committed, err := w.End()
	require.NoError(t, err)
	require.True(t, committed)

	reader, err := r.Begin(true)
	require.NoError(t, err)
	dst := make([]byte, 8)
	require.NoError(t, reader.Read(addr, dst))
	require.Equal(t, uint64(99), getU64(dst))
	reader.End()

	freer, err := r.Begin(false)
	require.NoError(t, err)
	require.NoError(t, freer.Free(addr))
	_, err = freer.End()
	require.NoError(t, err)

	after, err := r.Begin(true)
	require.NoError(t, err)
	err = after.Read(addr, dst)
	require.ErrorIs(t, err, stm.ErrAborted, "reading a reclaimed segment must abort")
	after.End()
}

// The initial segment can never be freed.
func TestInitialSegmentNotFreeable(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)
	defer r.Destroy()

	tx, err := r.Begin(false)
	require.NoError(t, err)
	err = tx.Free(r.Start())
	require.ErrorIs(t, err, stm.ErrSegmentNotFreeable)
	tx.End()
}

// Writer admission is bounded per epoch: once the quota is exhausted, a
// further writer blocks inside Begin until the epoch closes, but it still
// eventually returns and commits.
func TestWriterQuotaBlocksButEventuallyAdmits(t *testing.T) {
	r, err := stm.Create(8, 8, stm.WithMaxWriters(1))
	require.NoError(t, err)
	defer r.Destroy()

	first, err := r.Begin(false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		second, err := r.Begin(false)
		if err != nil {
			done <- err
			return
		}
		_, err = second.End()
		done <- err
	}()

	require.NoError(t, first.Write(r.Start(), putU64(make([]byte, 8), 1)))
	_, err = first.End()
	require.NoError(t, err)

	require.NoError(t, <-done)
}

// Destroy refuses while a transaction is still in flight.
func TestDestroyRefusesWhileTxInFlight(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)

	tx, err := r.Begin(false)
	require.NoError(t, err)

	require.ErrorIs(t, r.Destroy(), stm.ErrTxInFlight)

	_, err = tx.End()
	require.NoError(t, err)
	require.NoError(t, r.Destroy())
}

// A transaction that already aborted or ended cannot be reused.
func TestEndedTransactionIsNotReusable(t *testing.T) {
	r, err := stm.Create(8, 8)
	require.NoError(t, err)
	defer r.Destroy()

	tx, err := r.Begin(false)
	require.NoError(t, err)
	_, err = tx.End()
	require.NoError(t, err)

	err = tx.Write(r.Start(), make([]byte, 8))
	require.ErrorIs(t, err, stm.ErrTxNotUsable)
}
