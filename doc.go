// Package stm implements a software transactional memory region: a shared
// memory area accessed exclusively through Create/Destroy/Begin/End/Read/
// Write/Alloc/Free. Concurrency is provided by a dual-slot word algorithm
// (each word has a readable, committed copy and a writable, staging copy)
// combined with a batched, epoch-based scheduler that admits a bounded
// number of writers per epoch and commits each epoch atomically.
//
// Callers never see the region's internal layout; every access goes
// through a *Region and the *Tx returned by Begin. Within one epoch, a
// transaction's own reads observe its own prior writes. Across epochs,
// readers admitted into epoch N+1 see exactly the snapshot committed at
// the end of epoch N.
//
// Durability, crash recovery, nested transactions, and distribution across
// processes are out of scope: Region is a pure in-memory data structure.
package stm
