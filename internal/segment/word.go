package segment

import (
	"math"
	"sync/atomic"
)

// TxID identifies a transaction within the current epoch. Write-tx ids are
// compact values in 1..N (N <= max writers per epoch) assigned by the
// batcher on admission and are only meaningful for the epoch that issued
// them. Read-only transactions are always ReadOnly.
type TxID uint32

const (
	// ReadOnly marks a read-only transaction. Read-only transactions never
	// appear in a control word; they always read the readable copy.
	ReadOnly TxID = 0

	// InvalidTx is returned by operations that fail before a transaction is
	// admitted.
	InvalidTx TxID = math.MaxUint32

	// DestroyOwner marks a segment pending destruction: it will be freed by
	// the next batch-commit regardless of which transaction set it.
	DestroyOwner TxID = math.MaxUint32 - 1
)

// multiReader is the control-word sentinel meaning "more than one write-tx
// has read this word in the current epoch". It must never collide with a
// complement value ^tx for any legal tx, which holds as long as the writer
// quota is far smaller than 2^64, always true in practice.
const multiReader = ^uint64(0)

func complement(tx TxID) uint64 { return multiReader - uint64(tx) }

// isWriteLock reports whether c encodes "write-locked by write-tx c", i.e.
// c is a compact tx id rather than a complement or the multi-reader
// sentinel. maxWriters bounds the compact id range so it never overlaps a
// complement, which is always a very large value near multiReader.
func isWriteLock(c uint64, maxWriters int) bool {
	return c >= 1 && c <= uint64(maxWriters)
}

// markRead attempts to record that tx has read controls[i] this epoch.
// It returns ok=false only when the word is write-locked by a different
// write-tx, which the caller must treat as an abort.
func markRead(controls []uint64, i int, tx TxID, maxWriters int) (ok bool) {
	word := &controls[i]
	for {
		c := atomic.LoadUint64(word)
		switch {
		case c == uint64(tx):
			// Already write-locked by this tx; caller reads the writable copy
			// and never calls markRead in that case, but treat it as success
			// defensively.
			return true
		case c == 0:
			if atomic.CompareAndSwapUint64(word, 0, complement(tx)) {
				return true
			}
		case c == complement(tx):
			return true
		case c == multiReader:
			return true
		case isWriteLock(c, maxWriters):
			return false
		default:
			// Another tx's single-reader mark; promote to multi-reader.
			if atomic.CompareAndSwapUint64(word, c, multiReader) {
				return true
			}
		}
	}
}

// markWrite attempts to acquire controls[i] for writing by tx. It returns
// false when the word is held by a different writer, already multi-read, or
// read-marked by someone else, all of which the caller must treat as an
// abort.
func markWrite(controls []uint64, i int, tx TxID) (ok bool) {
	word := &controls[i]
	for {
		c := atomic.LoadUint64(word)
		switch {
		case c == uint64(tx):
			return true
		case c == 0:
			if atomic.CompareAndSwapUint64(word, 0, uint64(tx)) {
				return true
			}
		case c == complement(tx):
			if atomic.CompareAndSwapUint64(word, c, uint64(tx)) {
				return true
			}
		default:
			return false
		}
	}
}

// unlock releases controls[i] if held (in any fashion) by tx, used to back
// out a partially-acquired write range on abort. It is a no-op if the word
// is no longer held by tx (another rollback already cleared it).
func unlock(controls []uint64, i int, tx TxID) {
	word := &controls[i]
	for {
		c := atomic.LoadUint64(word)
		if c == uint64(tx) {
			if atomic.CompareAndSwapUint64(word, c, 0) {
				return
			}
			continue
		}
		if c == complement(tx) {
			if atomic.CompareAndSwapUint64(word, c, 0) {
				return
			}
			continue
		}
		return
	}
}
