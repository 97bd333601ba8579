package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/stm/internal/align"
)

func newTestTable(t *testing.T, byteSize, wordAlign int) *Table {
	t.Helper()
	tbl := NewTable(8, align.Default, wordAlign)
	_, err := tbl.InitInitial(byteSize)
	require.NoError(t, err)
	return tbl
}

func TestWriteThenReadOwnWrite(t *testing.T) {
	tbl := newTestTable(t, 16, 8)
	seg := tbl.At(0)

	ok, err := seg.Write(TxID(1), seg.Base(), 8, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.True(t, ok)

	dst := make([]byte, 8)
	ok, err = seg.Read(TxID(1), seg.Base(), 8, dst, 12)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, dst)

	// The readable half is untouched until batch-commit.
	require.Equal(t, make([]byte, 8), seg.readable[:8])
}

func TestSecondWriterConflictsWithHeldLock(t *testing.T) {
	tbl := newTestTable(t, 8, 8)
	seg := tbl.At(0)

	ok, err := seg.Write(TxID(1), seg.Base(), 8, make([]byte, 8))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = seg.Write(TxID(2), seg.Base(), 8, make([]byte, 8))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderMarksThenSecondWriterIsBlocked(t *testing.T) {
	tbl := newTestTable(t, 8, 8)
	seg := tbl.At(0)

	dst := make([]byte, 8)
	ok, err := seg.Read(TxID(1), seg.Base(), 8, dst, 12)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = seg.Write(TxID(2), seg.Base(), 8, make([]byte, 8))
	require.NoError(t, err)
	require.False(t, ok, "a writer must not steal a word another tx has read-marked")
}

func TestMultiReaderAllowsManyReadersOneWriterFails(t *testing.T) {
	tbl := newTestTable(t, 8, 8)
	seg := tbl.At(0)

	dst := make([]byte, 8)
	for _, id := range []TxID{1, 2, 3} {
		ok, err := seg.Read(id, seg.Base(), 8, dst, 12)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := seg.Write(TxID(4), seg.Base(), 8, make([]byte, 8))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollbackDiscardsStagedWriteAndReadMarks(t *testing.T) {
	tbl := newTestTable(t, 16, 8)
	seg := tbl.At(0)

	ok, err := seg.Write(TxID(1), seg.Base(), 8, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = seg.Read(TxID(1), seg.Base()+8, 8, make([]byte, 8), 12)
	require.NoError(t, err)
	require.True(t, ok)

	seg.Rollback(TxID(1))

	require.Equal(t, make([]byte, 8), seg.writable[:8], "the staged write must be discarded")
	require.Equal(t, uint64(0), seg.controls[1], "the read mark must be cleared")

	ok, err = seg.Write(TxID(2), seg.Base(), 8, make([]byte, 8))
	require.NoError(t, err)
	require.True(t, ok, "the word must be free again after rollback")
}

func TestAllocAssignsStableIndexAndGetSegmentFindsIt(t *testing.T) {
	tbl := newTestTable(t, 8, 8)

	seg, idx, err := tbl.Alloc(16, TxID(1))
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	found, foundIdx, ok := tbl.GetSegment(seg.Base())
	require.True(t, ok)
	require.Equal(t, idx, foundIdx)
	require.Same(t, seg, found)
}

func TestGetSegmentReportsDestroyOwnerAsNotFound(t *testing.T) {
	tbl := newTestTable(t, 8, 8)
	seg, _, err := tbl.Alloc(8, TxID(1))
	require.NoError(t, err)

	seg.SetOwner(DestroyOwner)

	_, _, ok := tbl.GetSegment(seg.Base())
	require.False(t, ok)
}

func TestBatchCommitPromotesAndReclaimsFromTail(t *testing.T) {
	tbl := newTestTable(t, 8, 8)

	added, _, err := tbl.Alloc(8, TxID(1))
	require.NoError(t, err)
	ok, err := added.Write(TxID(1), added.Base(), 8, []byte{5, 5, 5, 5, 5, 5, 5, 5})
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, added.Free(TxID(1)))

	stats := tbl.BatchCommit()
	require.Equal(t, 1, stats.Promoted)
	require.Equal(t, 1, stats.Reclaimed)
	require.Equal(t, 1, tbl.Len(), "the freed tail segment must be reclaimed")
}

func TestInitialSegmentControlsStartZeroed(t *testing.T) {
	tbl := newTestTable(t, 24, 8)
	seg := tbl.At(0)
	require.Len(t, seg.controls, 3)
	for _, c := range seg.controls {
		require.Equal(t, uint64(0), c)
	}
}
