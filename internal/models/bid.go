package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmationState tracks how far a bid has progressed through
// server-side confirmation
type ConfirmationState string

const (
	BidStatePending   ConfirmationState = "PENDING"
	BidStateConfirmed ConfirmationState = "CONFIRMED"
	BidStateRejected  ConfirmationState = "REJECTED"
)

// Bid is a single entry in an item's bid ledger.
//
// ID is a client-generated UUID while the bid is PENDING and is replaced
// by the server-assigned id once the bid is CONFIRMED. Timestamp is
// client-estimated while pending and server-authoritative after
// confirmation.
type Bid struct {
	ID        string            `json:"id"`
	ItemID    int64             `json:"itemId"`
	Bidder    UserRef           `json:"bidder"`
	Amount    decimal.Decimal   `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
	State     ConfirmationState `json:"state"`
}
