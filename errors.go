package stm

import "errors"

// Sentinel errors returned by the public API, in the spirit of spec 7's
// error taxonomy: conflict-abort, allocation-failure, invalid-argument,
// and handle-invalid.
var (
	// ErrAborted is returned when a transaction's read or write hit a
	// per-word conflict (spec 7 "conflict-abort"). The transaction is no
	// longer usable once this is returned.
	ErrAborted = errors.New("stm: transaction aborted")

	// ErrNoMem is returned by Alloc when the underlying allocator could not
	// produce a buffer (spec 7 "allocation-failure", the transient,
	// allocator-level case).
	ErrNoMem = errors.New("stm: allocation failure")

	// ErrInvalidArgument is returned for bad alignment, size, or address
	// arguments without mutating any state (spec 7 "invalid-argument").
	ErrInvalidArgument = errors.New("stm: invalid argument")

	// ErrHandleInvalid names the case of an address that does not resolve
	// to a live segment (spec 7 "handle-invalid"). The public API does not
	// return it: get_segment reports such an address as "not found" and the
	// engine rolls the transaction back and returns ErrAborted.
	ErrHandleInvalid = errors.New("stm: address does not resolve to a live segment")

	// ErrTxInFlight is returned by Destroy while any transaction is still
	// admitted.
	ErrTxInFlight = errors.New("stm: transaction still in flight")

	// ErrTxNotUsable is returned when a caller reuses a tx that has already
	// ended (committed, aborted, or rolled back).
	ErrTxNotUsable = errors.New("stm: transaction is not usable")

	// ErrSegmentNotFreeable is returned by Free when asked to free the
	// initial segment, which spec 3 states is never freeable.
	ErrSegmentNotFreeable = errors.New("stm: initial segment cannot be freed")
)
