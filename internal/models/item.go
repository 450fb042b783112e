package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus represents the lifecycle state of an auction item
type AuctionStatus string

const (
	AuctionStatusPending AuctionStatus = "PENDING"
	AuctionStatusActive  AuctionStatus = "ACTIVE"
	AuctionStatusClosed  AuctionStatus = "CLOSED"
)

// UserRef identifies a user by id and display name
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// AuctionItem is the locally cached copy of a server-owned auction item.
// It is mutated only by confirmed events or explicit refetch, never by
// optimistic writes alone.
type AuctionItem struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"imageUrl,omitempty"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Status        AuctionStatus   `json:"status"`
	Seller        *UserRef        `json:"seller,omitempty"`

	// Winner is set only once Status is CLOSED
	Winner *UserRef `json:"winner,omitempty"`
}
