package auction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/bidsync/clients/bidapi"
	"github.com/mcdev12/bidsync/internal/countdown"
	"github.com/mcdev12/bidsync/internal/models"
	"github.com/mcdev12/bidsync/internal/reconcile"
	"github.com/mcdev12/bidsync/internal/topics"
	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNotJoined is returned for operations on an auction the caller has
// not joined
var ErrNotJoined = errors.New("auction not joined")

// facadeObserverID is the multiplexer observer id used by the facade.
// UI observers register with the facade, not the multiplexer, so one
// wire-level observer per item suffices.
const facadeObserverID = "sync-facade"

// BidAPI is what the facade needs from the auction REST API
type BidAPI interface {
	GetItem(ctx context.Context, itemID int64) (*models.AuctionItem, error)
	ListBids(ctx context.Context, itemID int64) ([]models.Bid, error)
	CreateBid(ctx context.Context, itemID int64, amount decimal.Decimal) (*models.Bid, error)
}

// Snapshot is the merged view delivered to UI observers on every change
type Snapshot struct {
	Item            *models.AuctionItem
	CurrentPrice    decimal.Decimal
	Ledger          []models.Bid
	ConnectionState transport.ConnState
}

// App is the public entry point for the UI layer. It composes the
// connection manager, topic multiplexer, bid reconciler, and countdown
// engine behind join/leave/bid/observe operations.
type App struct {
	mgr        *transport.Manager
	mux        *topics.Mux
	reconciler *reconcile.Reconciler
	engine     *countdown.Engine
	api        BidAPI

	mu    sync.Mutex
	rooms map[int64]*room
}

// room tracks one joined auction: the facade's wire subscription, local
// observer callbacks, and running countdown handles
type room struct {
	refs        int
	endTime     time.Time
	unsubscribe func()
	observers   map[string]func(Snapshot)
	countdowns  map[string]*countdown.Handle
}

// NewApp creates the sync facade and wires the reconciler and
// connection state changes into observer notification.
func NewApp(mgr *transport.Manager, mux *topics.Mux, reconciler *reconcile.Reconciler, engine *countdown.Engine, api BidAPI) *App {
	a := &App{
		mgr:        mgr,
		mux:        mux,
		reconciler: reconciler,
		engine:     engine,
		api:        api,
		rooms:      make(map[int64]*room),
	}
	reconciler.SetOnChange(a.publish)
	mgr.OnStateChange(a.handleConnState)
	return a
}

// JoinAuction ensures the connection is up, seeds the reconciler from a
// REST snapshot, and subscribes to the item's event topic. Joining an
// already-joined auction only bumps its reference count.
func (a *App) JoinAuction(ctx context.Context, itemID int64) error {
	a.mgr.Connect()

	a.mu.Lock()
	if r, ok := a.rooms[itemID]; ok {
		r.refs++
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	item, err := a.api.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to fetch item %d: %w", itemID, err)
	}
	bids, err := a.api.ListBids(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to fetch bids for item %d: %w", itemID, err)
	}
	a.reconciler.LoadSnapshot(item, bids)

	unsubscribe := a.mux.Subscribe(itemID, facadeObserverID, a.handleFrame)

	a.mu.Lock()
	if r, ok := a.rooms[itemID]; ok {
		// Lost the race against a concurrent join; the multiplexer
		// subscription for the facade observer id is shared.
		r.refs++
		a.mu.Unlock()
		return nil
	}
	a.rooms[itemID] = &room{
		refs:        1,
		endTime:     item.EndTime,
		unsubscribe: unsubscribe,
		observers:   make(map[string]func(Snapshot)),
		countdowns:  make(map[string]*countdown.Handle),
	}
	a.mu.Unlock()

	log.Info().Int64("item_id", itemID).Msg("joined auction")
	return nil
}

// LeaveAuction releases one reference to the auction. The last leave
// drops the wire subscription, stops countdowns, and forgets reconciled
// state. The connection itself stays up; teardown is the caller's
// policy via the connection manager.
func (a *App) LeaveAuction(itemID int64) {
	a.mu.Lock()
	r, ok := a.rooms[itemID]
	if !ok {
		a.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		a.mu.Unlock()
		return
	}
	for _, handle := range r.countdowns {
		handle.Stop()
	}
	delete(a.rooms, itemID)
	a.mu.Unlock()

	r.unsubscribe()
	a.reconciler.Forget(itemID)
	log.Info().Int64("item_id", itemID).Msg("left auction")
}

// PlaceBid records an optimistic bid, submits it to the server, and
// blocks until the attempt settles: the confirmed bid on success, a
// BidRejectedError with the server's reason, ErrBidTimeout when the
// pending window elapses, or the context error.
func (a *App) PlaceBid(ctx context.Context, itemID int64, amount decimal.Decimal) (*models.Bid, error) {
	a.mu.Lock()
	_, ok := a.rooms[itemID]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNotJoined
	}

	pending, err := a.reconciler.SubmitBid(itemID, amount)
	if err != nil {
		return nil, err
	}

	go a.submitBid(ctx, itemID, amount, pending)

	return pending.Wait(ctx)
}

// submitBid pushes the bid to the REST API. A confirmed response is
// applied through the same reconciliation path as a pushed event, so
// the stream echo of the same bid id is an idempotent no-op.
func (a *App) submitBid(ctx context.Context, itemID int64, amount decimal.Decimal, pending *reconcile.PendingBid) {
	bid, err := a.api.CreateBid(ctx, itemID, amount)
	if err != nil {
		reason := "bid submission failed"
		var apiErr *bidapi.APIError
		if errors.As(err, &apiErr) {
			reason = apiErr.Message
		}
		log.Warn().Err(err).Int64("item_id", itemID).Msg("bid submission failed")
		a.reconciler.RejectPending(itemID, pending.BidID(), reason)
		return
	}

	serverID, err := strconv.ParseInt(bid.ID, 10, 64)
	if err != nil {
		log.Warn().Str("bid_id", bid.ID).Msg("server returned non-numeric bid id, waiting for stream confirmation")
		return
	}
	a.reconciler.ApplyConfirmed(transport.BidEventPayload{
		BidID:          serverID,
		ItemID:         bid.ItemID,
		BidderID:       bid.Bidder.ID,
		BidderUsername: bid.Bidder.Username,
		Amount:         bid.Amount,
		Timestamp:      bid.Timestamp,
	})
}

// Observe registers a callback receiving a merged snapshot now and on
// every subsequent change. The returned cancel stops delivery
// immediately.
func (a *App) Observe(itemID int64, fn func(Snapshot)) (func(), error) {
	a.mu.Lock()
	r, ok := a.rooms[itemID]
	if !ok {
		a.mu.Unlock()
		return nil, ErrNotJoined
	}
	observerID := uuid.NewString()
	r.observers[observerID] = fn
	a.mu.Unlock()

	if snap, ok := a.snapshot(itemID); ok {
		fn(snap)
	}

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if r, ok := a.rooms[itemID]; ok {
			delete(r.observers, observerID)
		}
	}, nil
}

// Countdown registers a per-second tick callback for the item's close
// time. The returned cancel stops the countdown for this observer only.
func (a *App) Countdown(itemID int64, fn func(countdown.Tick)) (func(), error) {
	a.mu.Lock()
	r, ok := a.rooms[itemID]
	if !ok {
		a.mu.Unlock()
		return nil, ErrNotJoined
	}
	observerID := uuid.NewString()
	endTime := r.endTime
	a.mu.Unlock()

	handle := a.engine.Start(itemID, endTime, fn)

	a.mu.Lock()
	if r, ok := a.rooms[itemID]; ok {
		r.countdowns[observerID] = handle
	} else {
		handle.Stop()
	}
	a.mu.Unlock()

	return func() {
		handle.Stop()
		a.mu.Lock()
		defer a.mu.Unlock()
		if r, ok := a.rooms[itemID]; ok {
			delete(r.countdowns, observerID)
		}
	}, nil
}

// Refresh refetches the item and bid snapshot from the REST API and
// merges them against any in-flight optimistic state.
func (a *App) Refresh(ctx context.Context, itemID int64) error {
	a.mu.Lock()
	r, ok := a.rooms[itemID]
	a.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}

	item, err := a.api.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to refresh item %d: %w", itemID, err)
	}
	bids, err := a.api.ListBids(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to refresh bids for item %d: %w", itemID, err)
	}

	a.mu.Lock()
	r.endTime = item.EndTime
	a.mu.Unlock()

	a.reconciler.LoadSnapshot(item, bids)
	return nil
}

// ConnectionState reports the state of the underlying connection
func (a *App) ConnectionState() transport.ConnState {
	return a.mgr.State()
}

// handleFrame feeds routed data frames into the reconciler
func (a *App) handleFrame(frame transport.Frame) {
	payload, err := transport.ParsePayload(frame)
	if err != nil {
		log.Warn().Err(err).Str("frame_type", string(frame.Type)).Msg("dropping unparseable frame")
		return
	}

	event, ok := payload.(transport.BidEventPayload)
	if !ok {
		return
	}

	switch frame.Type {
	case transport.FrameTypeBidConfirmed:
		a.reconciler.ApplyConfirmed(event)
	case transport.FrameTypeBidRejected:
		a.reconciler.ApplyRejected(event)
	}
}

// handleConnState pushes fresh snapshots to every observer on any
// transition and resyncs joined items from the REST source of truth
// after a reconnect, since events may have been missed in the gap.
func (a *App) handleConnState(state transport.ConnState) {
	a.mu.Lock()
	itemIDs := make([]int64, 0, len(a.rooms))
	for itemID := range a.rooms {
		itemIDs = append(itemIDs, itemID)
	}
	a.mu.Unlock()

	for _, itemID := range itemIDs {
		a.publish(itemID)
	}

	if state == transport.StateConnected && len(itemIDs) > 0 {
		go a.refreshAll(itemIDs)
	}
}

func (a *App) refreshAll(itemIDs []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, itemID := range itemIDs {
		if err := a.Refresh(ctx, itemID); err != nil && !errors.Is(err, ErrNotJoined) {
			log.Warn().Err(err).Int64("item_id", itemID).Msg("failed to resync item after reconnect")
		}
	}
}

// publish fans the current snapshot out to the item's observers
func (a *App) publish(itemID int64) {
	snap, ok := a.snapshot(itemID)
	if !ok {
		return
	}

	a.mu.Lock()
	r, roomOK := a.rooms[itemID]
	if !roomOK {
		a.mu.Unlock()
		return
	}
	callbacks := make([]func(Snapshot), 0, len(r.observers))
	for _, fn := range r.observers {
		callbacks = append(callbacks, fn)
	}
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap)
	}
}

func (a *App) snapshot(itemID int64) (Snapshot, bool) {
	rs, ok := a.reconciler.Snapshot(itemID)
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Item:            rs.Item,
		CurrentPrice:    rs.CurrentPrice,
		Ledger:          rs.Ledger,
		ConnectionState: a.mgr.State(),
	}, true
}
