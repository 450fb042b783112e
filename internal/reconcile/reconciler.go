package reconcile

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidsync/internal/models"
	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reconciler merges locally submitted optimistic bids with
// server-confirmed events into one authoritative per-item ledger and
// current price.
//
// A submitted bid enters the ledger as PENDING with a speculative price
// bump and a one-shot window timer. Confirmation replaces the entry in
// place; rejection, window expiry, or supersession by a higher remote
// confirmed bid removes it and reverts the price to the last confirmed
// value. Confirmed events are idempotent per server bid id.
type Reconciler struct {
	clock   clockwork.Clock
	session models.UserRef
	window  time.Duration

	mu    sync.Mutex
	items map[int64]*itemState

	onChange func(itemID int64)
}

type itemState struct {
	item           *models.AuctionItem
	ledger         []*models.Bid
	currentPrice   decimal.Decimal
	confirmedPrice decimal.Decimal
	confirmedIDs   map[string]bool
	pending        *pendingAttempt
}

type pendingAttempt struct {
	bid     *models.Bid
	timer   clockwork.Timer
	done    chan settleResult
	settled bool
}

type settleResult struct {
	bid *models.Bid
	err error
}

// settle resolves the attempt exactly once. Caller holds the reconciler
// lock.
func (p *pendingAttempt) settle(bid *models.Bid, err error) {
	if p.settled {
		return
	}
	p.settled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- settleResult{bid: bid, err: err}
}

// NewReconciler creates a reconciler for the given local session.
// window bounds how long a submitted bid may stay pending.
func NewReconciler(clock clockwork.Clock, session models.UserRef, window time.Duration) *Reconciler {
	return &Reconciler{
		clock:   clock,
		session: session,
		window:  window,
		items:   make(map[int64]*itemState),
	}
}

// SetOnChange registers the callback invoked after every ledger or
// price change, outside the reconciler lock. Must be set before use.
func (r *Reconciler) SetOnChange(fn func(itemID int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Reconciler) notify(itemID int64) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(itemID)
	}
}

// LoadSnapshot replaces the confirmed ledger for an item from a fetched
// REST snapshot, merging any in-flight pending bid through the same
// supersession rule applied to pushed events.
func (r *Reconciler) LoadSnapshot(item *models.AuctionItem, bids []models.Bid) {
	r.mu.Lock()
	st, ok := r.items[item.ID]
	if !ok {
		st = &itemState{confirmedIDs: make(map[string]bool)}
		r.items[item.ID] = st
	}

	itemCopy := *item
	st.item = &itemCopy
	st.ledger = nil
	st.confirmedIDs = make(map[string]bool)

	confirmedPrice := item.CurrentPrice
	for i := range bids {
		bid := bids[i]
		bid.State = models.BidStateConfirmed
		st.ledger = insertSorted(st.ledger, &bid)
		st.confirmedIDs[bid.ID] = true
		if bid.Amount.GreaterThan(confirmedPrice) {
			confirmedPrice = bid.Amount
		}
	}
	st.confirmedPrice = confirmedPrice
	st.currentPrice = confirmedPrice

	if st.pending != nil {
		if st.pending.bid.Amount.GreaterThan(confirmedPrice) {
			st.ledger = insertSorted(st.ledger, st.pending.bid)
			st.currentPrice = st.pending.bid.Amount
		} else {
			pending := st.pending
			st.pending = nil
			pending.settle(nil, &BidRejectedError{Reason: "superseded by a higher confirmed bid"})
		}
	}
	r.mu.Unlock()

	r.notify(item.ID)
}

// PendingBid is the handle for a submitted bid awaiting resolution
type PendingBid struct {
	bidID  string
	itemID int64
	done   chan settleResult
}

// BidID returns the client-generated id of the pending bid
func (p *PendingBid) BidID() string { return p.bidID }

// ItemID returns the item the bid was submitted against
func (p *PendingBid) ItemID() int64 { return p.itemID }

// Wait blocks until the bid settles. It returns the confirmed bid, or
// ErrBidTimeout, a BidRejectedError, or the context error.
func (p *PendingBid) Wait(ctx context.Context) (*models.Bid, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.done:
		return res.bid, res.err
	}
}

// SubmitBid validates and records an optimistic bid, bumping the item's
// current price speculatively. At most one pending bid per item may be
// in flight; the window timer resolves it as timed out if the server
// never answers.
func (r *Reconciler) SubmitBid(itemID int64, amount decimal.Decimal) (*PendingBid, error) {
	r.mu.Lock()
	st, ok := r.items[itemID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownItem
	}
	if st.pending != nil {
		r.mu.Unlock()
		return nil, ErrBidInFlight
	}
	if !amount.GreaterThan(st.currentPrice) {
		r.mu.Unlock()
		return nil, ErrBidTooLow
	}

	bid := &models.Bid{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Bidder:    r.session,
		Amount:    amount,
		Timestamp: r.clock.Now(),
		State:     models.BidStatePending,
	}
	attempt := &pendingAttempt{
		bid:  bid,
		done: make(chan settleResult, 1),
	}
	bidID := bid.ID
	attempt.timer = r.clock.AfterFunc(r.window, func() {
		r.expirePending(itemID, bidID)
	})
	st.pending = attempt
	st.ledger = insertSorted(st.ledger, bid)
	st.currentPrice = amount
	r.mu.Unlock()

	log.Debug().
		Int64("item_id", itemID).
		Str("bid_id", bidID).
		Str("amount", amount.String()).
		Msg("optimistic bid recorded")

	r.notify(itemID)
	return &PendingBid{bidID: bidID, itemID: itemID, done: attempt.done}, nil
}

// ApplyConfirmed reconciles a server-confirmed bid event. Events for
// untracked items and duplicate confirmations are silently dropped.
func (r *Reconciler) ApplyConfirmed(event transport.BidEventPayload) {
	r.mu.Lock()
	st, ok := r.items[event.ItemID]
	if !ok {
		r.mu.Unlock()
		log.Debug().Int64("item_id", event.ItemID).Msg("dropping stale confirmed event")
		return
	}

	serverID := strconv.FormatInt(event.BidID, 10)
	if st.confirmedIDs[serverID] {
		r.mu.Unlock()
		return
	}
	st.confirmedIDs[serverID] = true

	confirmed := &models.Bid{
		ID:        serverID,
		ItemID:    event.ItemID,
		Bidder:    models.UserRef{ID: event.BidderID, Username: event.BidderUsername},
		Amount:    event.Amount,
		Timestamp: event.Timestamp,
		State:     models.BidStateConfirmed,
	}

	if st.pending != nil && r.isOwnEvent(st.pending, event) {
		// Replace the pending entry in place so the list does not
		// visibly reorder.
		if i := indexOf(st.ledger, st.pending.bid.ID); i >= 0 {
			st.ledger[i] = confirmed
		} else {
			st.ledger = insertSorted(st.ledger, confirmed)
		}
		pending := st.pending
		st.pending = nil
		if confirmed.Amount.GreaterThan(st.confirmedPrice) {
			st.confirmedPrice = confirmed.Amount
		}
		st.currentPrice = st.confirmedPrice
		r.syncItemPrice(st)
		settled := *confirmed
		pending.settle(&settled, nil)
		r.mu.Unlock()

		log.Debug().
			Int64("item_id", event.ItemID).
			Str("bid_id", serverID).
			Msg("pending bid confirmed")
		r.notify(event.ItemID)
		return
	}

	st.ledger = insertSorted(st.ledger, confirmed)
	if confirmed.Amount.GreaterThan(st.confirmedPrice) {
		st.confirmedPrice = confirmed.Amount
	}

	if st.pending != nil && !st.pending.bid.Amount.GreaterThan(confirmed.Amount) {
		// A remote bid confirmed at or above the local pending amount:
		// the pending bid can no longer lead, so it is settled as
		// rejected before the server round-trip completes.
		pending := st.pending
		st.pending = nil
		st.ledger = removeBid(st.ledger, pending.bid.ID)
		pending.settle(nil, &BidRejectedError{Reason: "superseded by a higher confirmed bid"})
		log.Debug().
			Int64("item_id", event.ItemID).
			Str("amount", confirmed.Amount.String()).
			Msg("pending bid superseded by remote confirmation")
	}

	if st.pending != nil {
		st.currentPrice = decimal.Max(st.pending.bid.Amount, st.confirmedPrice)
	} else {
		st.currentPrice = st.confirmedPrice
	}
	r.syncItemPrice(st)
	r.mu.Unlock()

	r.notify(event.ItemID)
}

// ApplyRejected reconciles a server rejection of the local pending bid.
// Rejections for attempts no longer tracked are stale and dropped.
func (r *Reconciler) ApplyRejected(event transport.BidEventPayload) {
	r.mu.Lock()
	st, ok := r.items[event.ItemID]
	if !ok || st.pending == nil || !r.isOwnEvent(st.pending, event) {
		r.mu.Unlock()
		log.Debug().Int64("item_id", event.ItemID).Msg("dropping stale rejected event")
		return
	}

	reason := event.Reason
	if reason == "" {
		reason = "bid declined by server"
	}
	r.rejectPendingLocked(st, &BidRejectedError{Reason: reason})
	r.mu.Unlock()

	r.notify(event.ItemID)
}

// RejectPending resolves the pending attempt with a server-supplied
// reason delivered outside the event stream, such as a failed submit
// request.
func (r *Reconciler) RejectPending(itemID int64, bidID string, reason string) {
	r.mu.Lock()
	st, ok := r.items[itemID]
	if !ok || st.pending == nil || st.pending.bid.ID != bidID {
		r.mu.Unlock()
		return
	}
	r.rejectPendingLocked(st, &BidRejectedError{Reason: reason})
	r.mu.Unlock()

	r.notify(itemID)
}

// expirePending fires when the pending window elapses without a server
// response
func (r *Reconciler) expirePending(itemID int64, bidID string) {
	r.mu.Lock()
	st, ok := r.items[itemID]
	if !ok || st.pending == nil || st.pending.bid.ID != bidID {
		r.mu.Unlock()
		return
	}
	log.Warn().
		Int64("item_id", itemID).
		Str("bid_id", bidID).
		Dur("window", r.window).
		Msg("pending bid window elapsed")
	r.rejectPendingLocked(st, ErrBidTimeout)
	r.mu.Unlock()

	r.notify(itemID)
}

// rejectPendingLocked removes the pending entry and reverts the price to
// the last confirmed value. Caller holds the lock.
func (r *Reconciler) rejectPendingLocked(st *itemState, err error) {
	pending := st.pending
	st.pending = nil
	st.ledger = removeBid(st.ledger, pending.bid.ID)
	st.currentPrice = st.confirmedPrice
	r.syncItemPrice(st)
	pending.settle(nil, err)
}

func (r *Reconciler) isOwnEvent(pending *pendingAttempt, event transport.BidEventPayload) bool {
	return event.BidderUsername == r.session.Username && event.Amount.Equal(pending.bid.Amount)
}

func (r *Reconciler) syncItemPrice(st *itemState) {
	if st.item != nil && st.currentPrice.GreaterThan(st.item.CurrentPrice) {
		st.item.CurrentPrice = st.currentPrice
	}
}

// Snapshot is the reconciled view of one item
type Snapshot struct {
	Item         *models.AuctionItem
	CurrentPrice decimal.Decimal
	Ledger       []models.Bid
}

// Snapshot returns a copy of the reconciled state for an item
func (r *Reconciler) Snapshot(itemID int64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.items[itemID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{CurrentPrice: st.currentPrice}
	if st.item != nil {
		item := *st.item
		snap.Item = &item
	}
	snap.Ledger = make([]models.Bid, len(st.ledger))
	for i, bid := range st.ledger {
		snap.Ledger[i] = *bid
	}
	return snap, true
}

// CurrentPrice returns the reconciled current price for an item
func (r *Reconciler) CurrentPrice(itemID int64) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.items[itemID]
	if !ok {
		return decimal.Decimal{}, false
	}
	return st.currentPrice, true
}

// Forget drops all tracked state for an item. An unresolved pending
// attempt settles as rejected since no confirmation can reach it.
func (r *Reconciler) Forget(itemID int64) {
	r.mu.Lock()
	st, ok := r.items[itemID]
	if ok && st.pending != nil {
		st.pending.settle(nil, &BidRejectedError{Reason: "item tracking stopped before confirmation"})
	}
	delete(r.items, itemID)
	r.mu.Unlock()
}
