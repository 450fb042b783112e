package reconcile

import (
	"sort"

	"github.com/mcdev12/bidsync/internal/models"
)

// insertSorted places a bid into a ledger ordered by amount descending,
// ties broken by timestamp ascending so an earlier bid at the same
// amount keeps its position.
func insertSorted(ledger []*models.Bid, bid *models.Bid) []*models.Bid {
	i := sort.Search(len(ledger), func(i int) bool {
		other := ledger[i]
		if !other.Amount.Equal(bid.Amount) {
			return other.Amount.LessThan(bid.Amount)
		}
		return other.Timestamp.After(bid.Timestamp)
	})

	ledger = append(ledger, nil)
	copy(ledger[i+1:], ledger[i:])
	ledger[i] = bid
	return ledger
}

// removeBid drops the entry with the given id, preserving order
func removeBid(ledger []*models.Bid, id string) []*models.Bid {
	for i, bid := range ledger {
		if bid.ID == id {
			return append(ledger[:i], ledger[i+1:]...)
		}
	}
	return ledger
}

// indexOf returns the position of the entry with the given id, or -1
func indexOf(ledger []*models.Bid, id string) int {
	for i, bid := range ledger {
		if bid.ID == id {
			return i
		}
	}
	return -1
}
