package auction_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/bidsync/clients/bidapi"
	"github.com/mcdev12/bidsync/internal/auction"
	"github.com/mcdev12/bidsync/internal/countdown"
	"github.com/mcdev12/bidsync/internal/models"
	"github.com/mcdev12/bidsync/internal/reconcile"
	"github.com/mcdev12/bidsync/internal/topics"
	"github.com/mcdev12/bidsync/internal/transport"
)

type fakeConn struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case c.writes <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out a fresh healthy connection on every dial
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(t *testing.T) *fakeConn {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		n := len(d.conns)
		var last *fakeConn
		if n > 0 {
			last = d.conns[n-1]
		}
		d.mu.Unlock()
		if last != nil {
			return last
		}
		select {
		case <-deadline:
			t.Fatal("no connection dialed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeAPI struct {
	mu        sync.Mutex
	item      *models.AuctionItem
	bids      []models.Bid
	createBid func(itemID int64, amount decimal.Decimal) (*models.Bid, error)
}

func (f *fakeAPI) GetItem(ctx context.Context, itemID int64) (*models.AuctionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.item == nil || f.item.ID != itemID {
		return nil, &bidapi.APIError{Status: 404, Message: "item not found"}
	}
	item := *f.item
	return &item, nil
}

func (f *fakeAPI) ListBids(ctx context.Context, itemID int64) ([]models.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Bid(nil), f.bids...), nil
}

func (f *fakeAPI) CreateBid(ctx context.Context, itemID int64, amount decimal.Decimal) (*models.Bid, error) {
	f.mu.Lock()
	fn := f.createBid
	f.mu.Unlock()
	if fn == nil {
		return nil, &bidapi.APIError{Status: 500, Message: "not wired"}
	}
	return fn(itemID, amount)
}

type harness struct {
	app    *auction.App
	mgr    *transport.Manager
	dialer *fakeDialer
	api    *fakeAPI
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clockwork.NewFakeClock()
	dialer := &fakeDialer{}
	api := &fakeAPI{
		item: &models.AuctionItem{
			ID:            42,
			Name:          "vintage synth",
			StartingPrice: decimal.NewFromInt(50),
			CurrentPrice:  decimal.NewFromInt(100),
			Status:        models.AuctionStatusActive,
			EndTime:       fc.Now().Add(2 * time.Hour),
		},
	}

	mgr := transport.NewManager(transport.Config{
		URL:                  "ws://test/ws",
		MaxReconnectAttempts: 5,
		ReconnectInterval:    3 * time.Second,
	}, dialer, fc)
	mux := topics.NewMux(mgr)
	reconciler := reconcile.NewReconciler(fc, models.UserRef{ID: 1, Username: "me"}, 10*time.Second)
	engine := countdown.NewEngine(fc)

	app := auction.NewApp(mgr, mux, reconciler, engine, api)
	t.Cleanup(mgr.Disconnect)
	return &harness{app: app, mgr: mgr, dialer: dialer, api: api, clock: fc}
}

func (h *harness) join(t *testing.T, itemID int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.app.JoinAuction(ctx, itemID); err != nil {
		t.Fatal(err)
	}
	h.waitConnected(t)
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for h.app.ConnectionState() != transport.StateConnected {
		select {
		case <-deadline:
			t.Fatal("connection never established")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *harness) push(t *testing.T, frameType transport.FrameType, payload transport.BidEventPayload) {
	t.Helper()
	frame, err := transport.NewBidEventFrame(frameType, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	h.dialer.conn(t).in <- data
}

func waitFrame(t *testing.T, conn *fakeConn, frameType transport.FrameType) transport.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.writes:
			var frame transport.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("bad frame on wire: %v", err)
			}
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame written", frameType)
		}
	}
}

func waitSnapshot(t *testing.T, snaps <-chan auction.Snapshot, ok func(auction.Snapshot) bool) auction.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("expected snapshot never delivered")
		}
	}
}

func TestJoinSubscribesAndDeliversInitialSnapshot(t *testing.T) {
	h := newHarness(t)
	h.join(t, 42)

	frame := waitFrame(t, h.dialer.conn(t), transport.FrameTypeSubscribe)
	if frame.Topic != transport.BidTopic(42) {
		t.Fatalf("subscribed to wrong topic %q", frame.Topic)
	}

	snaps := make(chan auction.Snapshot, 16)
	cancel, err := h.app.Observe(42, func(s auction.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	snap := waitSnapshot(t, snaps, func(s auction.Snapshot) bool { return s.Item != nil })
	if snap.Item.ID != 42 || snap.CurrentPrice.String() != "100" {
		t.Fatalf("unexpected initial snapshot: item=%+v price=%s", snap.Item, snap.CurrentPrice)
	}
}

func TestPushedConfirmationReachesObservers(t *testing.T) {
	h := newHarness(t)
	h.join(t, 42)
	waitFrame(t, h.dialer.conn(t), transport.FrameTypeSubscribe)

	snaps := make(chan auction.Snapshot, 16)
	cancel, err := h.app.Observe(42, func(s auction.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	h.push(t, transport.FrameTypeBidConfirmed, transport.BidEventPayload{
		BidID:          7,
		ItemID:         42,
		BidderID:       9,
		BidderUsername: "other",
		Amount:         decimal.NewFromInt(125),
		Timestamp:      h.clock.Now(),
	})

	snap := waitSnapshot(t, snaps, func(s auction.Snapshot) bool { return s.CurrentPrice.String() == "125" })
	if len(snap.Ledger) != 1 || snap.Ledger[0].ID != "7" {
		t.Fatalf("confirmed bid missing from ledger: %+v", snap.Ledger)
	}
}

func TestPlaceBidConfirmedThroughAPIResponse(t *testing.T) {
	h := newHarness(t)
	h.api.createBid = func(itemID int64, amount decimal.Decimal) (*models.Bid, error) {
		return &models.Bid{
			ID:        "9001",
			ItemID:    itemID,
			Bidder:    models.UserRef{ID: 1, Username: "me"},
			Amount:    amount,
			Timestamp: h.clock.Now(),
			State:     models.BidStateConfirmed,
		}, nil
	}
	h.join(t, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bid, err := h.app.PlaceBid(ctx, 42, decimal.NewFromInt(130))
	if err != nil {
		t.Fatal(err)
	}
	if bid.ID != "9001" || bid.State != models.BidStateConfirmed {
		t.Fatalf("unexpected settled bid: %+v", bid)
	}

	snaps := make(chan auction.Snapshot, 16)
	cancelObs, err := h.app.Observe(42, func(s auction.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelObs()
	final := waitSnapshot(t, snaps, func(s auction.Snapshot) bool { return len(s.Ledger) == 1 })
	if final.Ledger[0].ID != "9001" || final.CurrentPrice.String() != "130" {
		t.Fatalf("ledger not reconciled with API response: %+v price=%s", final.Ledger, final.CurrentPrice)
	}
}

func TestPlaceBidRejectedWithServerReason(t *testing.T) {
	h := newHarness(t)
	h.api.createBid = func(itemID int64, amount decimal.Decimal) (*models.Bid, error) {
		return nil, &bidapi.APIError{Status: 400, Message: "bid amount must be higher than current price"}
	}
	h.join(t, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.app.PlaceBid(ctx, 42, decimal.NewFromInt(130))
	var rejected *reconcile.BidRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("want BidRejectedError, got %v", err)
	}
	if rejected.Reason != "bid amount must be higher than current price" {
		t.Fatalf("server reason lost: %q", rejected.Reason)
	}
}

func TestPlaceBidOnUnjoinedAuction(t *testing.T) {
	h := newHarness(t)

	_, err := h.app.PlaceBid(context.Background(), 42, decimal.NewFromInt(130))
	if !errors.Is(err, auction.ErrNotJoined) {
		t.Fatalf("want ErrNotJoined, got %v", err)
	}
	if _, err := h.app.Observe(42, func(auction.Snapshot) {}); !errors.Is(err, auction.ErrNotJoined) {
		t.Fatalf("want ErrNotJoined from Observe, got %v", err)
	}
}

func TestJoinLeaveReferenceCounting(t *testing.T) {
	h := newHarness(t)
	h.join(t, 42)
	h.join(t, 42)
	conn := h.dialer.conn(t)
	waitFrame(t, conn, transport.FrameTypeSubscribe)

	h.app.LeaveAuction(42)
	select {
	case data := <-conn.writes:
		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame on wire: %v", err)
		}
		if frame.Type == transport.FrameTypeUnsubscribe {
			t.Fatal("wire unsubscribed while an observer remained")
		}
	case <-time.After(50 * time.Millisecond):
	}

	h.app.LeaveAuction(42)
	frame := waitFrame(t, conn, transport.FrameTypeUnsubscribe)
	if frame.Topic != transport.BidTopic(42) {
		t.Fatalf("unsubscribed from wrong topic %q", frame.Topic)
	}

	if _, err := h.app.Observe(42, func(auction.Snapshot) {}); !errors.Is(err, auction.ErrNotJoined) {
		t.Fatalf("want ErrNotJoined after final leave, got %v", err)
	}
}
