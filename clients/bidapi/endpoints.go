package bidapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mcdev12/bidsync/internal/models"
	"github.com/shopspring/decimal"
)

// bidResponse mirrors the server's flat bid DTO
type bidResponse struct {
	ID             int64           `json:"id"`
	ItemID         int64           `json:"itemId"`
	ItemName       string          `json:"itemName,omitempty"`
	BidderID       int64           `json:"bidderId"`
	BidderUsername string          `json:"bidderUsername"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (r bidResponse) toModel() models.Bid {
	return models.Bid{
		ID:        strconv.FormatInt(r.ID, 10),
		ItemID:    r.ItemID,
		Bidder:    models.UserRef{ID: r.BidderID, Username: r.BidderUsername},
		Amount:    r.Amount,
		Timestamp: r.Timestamp,
		State:     models.BidStateConfirmed,
	}
}

// createBidRequest is the submit payload
type createBidRequest struct {
	ItemID int64           `json:"itemId"`
	Amount decimal.Decimal `json:"amount"`
}

// ListItems fetches all auction items
func (c *Client) ListItems(ctx context.Context) ([]models.AuctionItem, error) {
	var items []models.AuctionItem
	if err := c.do(ctx, http.MethodGet, ItemsEndpoint, nil, &items); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

// GetItem fetches a single auction item
func (c *Client) GetItem(ctx context.Context, itemID int64) (*models.AuctionItem, error) {
	var item models.AuctionItem
	endpoint := fmt.Sprintf("%s/%d", ItemsEndpoint, itemID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &item); err != nil {
		return nil, fmt.Errorf("failed to get item %d: %w", itemID, err)
	}
	return &item, nil
}

// ListBids fetches all bids for an item, newest leading amount first
func (c *Client) ListBids(ctx context.Context, itemID int64) ([]models.Bid, error) {
	var responses []bidResponse
	endpoint := fmt.Sprintf("%s/%d", BidsByItemEndpoint, itemID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &responses); err != nil {
		return nil, fmt.Errorf("failed to list bids for item %d: %w", itemID, err)
	}

	bids := make([]models.Bid, len(responses))
	for i, r := range responses {
		bids[i] = r.toModel()
	}
	return bids, nil
}

// ListMyBids fetches the bids placed by the authenticated user
func (c *Client) ListMyBids(ctx context.Context) ([]models.Bid, error) {
	var responses []bidResponse
	if err := c.do(ctx, http.MethodGet, MyBidsEndpoint, nil, &responses); err != nil {
		return nil, fmt.Errorf("failed to list my bids: %w", err)
	}

	bids := make([]models.Bid, len(responses))
	for i, r := range responses {
		bids[i] = r.toModel()
	}
	return bids, nil
}

// GetBidCount fetches the number of bids placed on an item
func (c *Client) GetBidCount(ctx context.Context, itemID int64) (int64, error) {
	var count int64
	endpoint := fmt.Sprintf("%s/%d", BidCountEndpoint, itemID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &count); err != nil {
		return 0, fmt.Errorf("failed to get bid count for item %d: %w", itemID, err)
	}
	return count, nil
}

// GetHighestBid fetches the current leading bid for an item, or nil if
// no bids exist
func (c *Client) GetHighestBid(ctx context.Context, itemID int64) (*models.Bid, error) {
	var response *bidResponse
	endpoint := fmt.Sprintf("%s/%d", HighestBidEndpoint, itemID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get highest bid for item %d: %w", itemID, err)
	}
	if response == nil {
		return nil, nil
	}
	bid := response.toModel()
	return &bid, nil
}

// CreateBid submits a bid. A non-2xx response surfaces the server's
// reason through an APIError.
func (c *Client) CreateBid(ctx context.Context, itemID int64, amount decimal.Decimal) (*models.Bid, error) {
	var response bidResponse
	req := createBidRequest{ItemID: itemID, Amount: amount}
	if err := c.do(ctx, http.MethodPost, BidsEndpoint, req, &response); err != nil {
		return nil, fmt.Errorf("failed to create bid: %w", err)
	}
	bid := response.toModel()
	return &bid, nil
}
