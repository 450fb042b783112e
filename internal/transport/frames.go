package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Frame is the wire envelope for all messages exchanged with the event
// stream. Topic identifies the auction item channel and Data carries the
// frame-type-specific payload.
type Frame struct {
	Type  FrameType       `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FrameType represents the type of a wire frame
type FrameType string

const (
	FrameTypeSubscribe    FrameType = "SUBSCRIBE"
	FrameTypeUnsubscribe  FrameType = "UNSUBSCRIBE"
	FrameTypeSubscribeAck FrameType = "SUBSCRIBE_ACK"
	FrameTypeBidConfirmed FrameType = "BID_CONFIRMED"
	FrameTypeBidRejected  FrameType = "BID_REJECTED"
)

// BidEventPayload is the payload of BID_CONFIRMED and BID_REJECTED frames
type BidEventPayload struct {
	BidID          int64           `json:"bidId"`
	ItemID         int64           `json:"itemId"`
	BidderID       int64           `json:"bidderId"`
	BidderUsername string          `json:"bidderUsername"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`

	// Reason is set on BID_REJECTED frames only
	Reason string `json:"reason,omitempty"`
}

// SubscribeAckPayload acknowledges a subscribe control frame
type SubscribeAckPayload struct {
	ItemID int64 `json:"itemId"`
}

const bidTopicPrefix = "auction/"
const bidTopicSuffix = "/bids"

// BidTopic returns the topic channel carrying bid events for an item
func BidTopic(itemID int64) string {
	return bidTopicPrefix + strconv.FormatInt(itemID, 10) + bidTopicSuffix
}

// ParseBidTopic extracts the item id from a bid topic. It reports false
// for any topic that is not a well-formed bid channel.
func ParseBidTopic(topic string) (int64, bool) {
	if !strings.HasPrefix(topic, bidTopicPrefix) || !strings.HasSuffix(topic, bidTopicSuffix) {
		return 0, false
	}
	raw := topic[len(bidTopicPrefix) : len(topic)-len(bidTopicSuffix)]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SubscribeFrame builds the control frame registering interest in an item
func SubscribeFrame(itemID int64) Frame {
	return Frame{Type: FrameTypeSubscribe, Topic: BidTopic(itemID)}
}

// UnsubscribeFrame builds the control frame releasing interest in an item
func UnsubscribeFrame(itemID int64) Frame {
	return Frame{Type: FrameTypeUnsubscribe, Topic: BidTopic(itemID)}
}

// NewBidEventFrame builds a data frame carrying a bid event payload
func NewBidEventFrame(frameType FrameType, payload BidEventPayload) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal bid event payload: %w", err)
	}
	return Frame{Type: frameType, Topic: BidTopic(payload.ItemID), Data: data}, nil
}

// ParsePayload parses frame data into the appropriate payload struct.
// Unknown frame types return (nil, nil) and are ignored by callers.
func ParsePayload(frame Frame) (interface{}, error) {
	switch frame.Type {
	case FrameTypeBidConfirmed, FrameTypeBidRejected:
		var payload BidEventPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case FrameTypeSubscribeAck:
		var payload SubscribeAckPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case FrameTypeSubscribe, FrameTypeUnsubscribe:
		return nil, nil

	default:
		return nil, nil // Unknown frame type
	}
}
