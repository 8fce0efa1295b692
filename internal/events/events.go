// Package events defines the engine's outbound domain-event sink.
//
// Events are advisory signals for external collaborators (notification
// delivery, analytics). Publishing is best-effort: a failed publish is
// logged by the sink and never aborts the operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeOrderCreated       = "order.created"
	TypeBidOutbid          = "bid.outbid"
	TypeAuctionClosingSoon = "auction.closing_soon"
	TypeAuctionClosed      = "auction.closed"
)

// Envelope wraps every published event with routing and audit metadata.
// Key is the partition key (listing ID for auction events, order ID for
// settlement events) so related events stay ordered.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Producer   string          `json:"producer"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
}

// OrderCreatedPayload accompanies TypeOrderCreated.
type OrderCreatedPayload struct {
	OrderID    string `json:"order_id"`
	BuyerID    string `json:"buyer_id"`
	TotalUnits int64  `json:"total_units"`
	Currency   string `json:"currency"`
}

// BidOutbidPayload accompanies TypeBidOutbid, one event per displaced bid.
type BidOutbidPayload struct {
	BidID       string `json:"bid_id"`
	BidderID    string `json:"bidder_id"`
	NewBidUnits int64  `json:"new_bid_units"`
	Currency    string `json:"currency"`
}

// AuctionClosingSoonPayload accompanies TypeAuctionClosingSoon.
type AuctionClosingSoonPayload struct {
	EndsAt time.Time `json:"ends_at"`
}

// AuctionClosedPayload accompanies TypeAuctionClosed.
type AuctionClosedPayload struct {
	WinningBidID string `json:"winning_bid_id,omitempty"`
	WinnerID     string `json:"winner_id,omitempty"`
	AmountUnits  int64  `json:"amount_units,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

// Sink publishes domain events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// NewEnvelope builds a ready-to-serialize envelope around a payload.
func NewEnvelope(eventType, producer, key string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: now,
		Producer:   producer,
		Key:        key,
		Payload:    raw,
	}, nil
}

// NopSink discards every event. Useful default for tests.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, string, string, any) error { return nil }
