package reconcile

import "errors"

// ErrBidTimeout is returned when no server response arrives within the
// pending bid window. Surfaced distinctly from rejection so callers can
// prompt a retry instead of "your bid was too low".
var ErrBidTimeout = errors.New("bid timed out waiting for server confirmation")

// ErrBidTooLow is the local fast-fail for a bid that does not exceed the
// current price. The authoritative check remains server-side.
var ErrBidTooLow = errors.New("bid amount must exceed the current price")

// ErrBidInFlight is returned when a pending bid for the item is still
// awaiting resolution. A new submission may only supersede the previous
// one after it settles.
var ErrBidInFlight = errors.New("a pending bid for this item is already awaiting confirmation")

// ErrUnknownItem is returned when no snapshot has been loaded for the item
var ErrUnknownItem = errors.New("item is not tracked by the reconciler")

// BidRejectedError reports a bid the server declined, or a local pending
// bid superseded by a higher confirmed bid before it settled.
type BidRejectedError struct {
	Reason string
}

func (e *BidRejectedError) Error() string {
	return "bid rejected: " + e.Reason
}
