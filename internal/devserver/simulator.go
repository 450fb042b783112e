package devserver

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidsync/internal/models"
	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Simulator drives synthetic competing bidders against a set of items,
// pushing BID_CONFIRMED events through the server at a fixed cadence.
type Simulator struct {
	server   *Server
	clock    clockwork.Clock
	interval time.Duration

	items     []simItem
	nextBidID int64
	bidders   []models.UserRef
}

type simItem struct {
	id    int64
	price decimal.Decimal
}

// NewSimulator creates a bid simulator over the given items
func NewSimulator(server *Server, clock clockwork.Clock, interval time.Duration, items []models.AuctionItem) *Simulator {
	sim := &Simulator{
		server:    server,
		clock:     clock,
		interval:  interval,
		nextBidID: 1000,
		bidders: []models.UserRef{
			{ID: 101, Username: "collector_jane"},
			{ID: 102, Username: "vintage_sam"},
			{ID: 103, Username: "bids_a_lot"},
		},
	}
	for _, item := range items {
		sim.items = append(sim.items, simItem{id: item.ID, price: item.CurrentPrice})
	}
	return sim
}

// Run pushes a confirmed bid on a random item every interval until the
// context is cancelled
func (s *Simulator) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.pushBid()
		}
	}
}

func (s *Simulator) pushBid() {
	if len(s.items) == 0 {
		return
	}
	item := &s.items[rand.Intn(len(s.items))]
	if s.server.SubscriberCount(item.id) == 0 {
		return
	}

	bidder := s.bidders[rand.Intn(len(s.bidders))]
	increment := decimal.NewFromInt(int64(1 + rand.Intn(10)))
	item.price = item.price.Add(increment)
	s.nextBidID++

	s.server.Push(transport.FrameTypeBidConfirmed, transport.BidEventPayload{
		BidID:          s.nextBidID,
		ItemID:         item.id,
		BidderID:       bidder.ID,
		BidderUsername: bidder.Username,
		Amount:         item.price,
		Timestamp:      s.clock.Now(),
	})

	log.Debug().
		Int64("item_id", item.id).
		Str("bidder", bidder.Username).
		Str("amount", item.price.String()).
		Msg("simulated bid pushed")
}
