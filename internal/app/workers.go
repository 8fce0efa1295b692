package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
	"github.com/gavelworks/auction-engine/internal/events"
)

// auctionCloser periodically closes auctions past their end time, settles
// the winning bid into an order, and emits a closing-soon notification once
// per listing inside the lead window.
type auctionCloser struct {
	listings   listing.Repository
	ledger     *bidding.Ledger
	settlement *settlement.Service
	sink       events.Sink
	lg         *zap.Logger

	interval time.Duration
	lead     time.Duration

	// notified tracks listings that already got a closing-soon event.
	// Entries are dropped once the listing closes, so the map stays small.
	notified map[string]struct{}
}

func newAuctionCloser(
	listings listing.Repository,
	ledger *bidding.Ledger,
	settlementSvc *settlement.Service,
	sink events.Sink,
	lg *zap.Logger,
	cfg WorkersConfig,
) *auctionCloser {
	return &auctionCloser{
		listings:   listings,
		ledger:     ledger,
		settlement: settlementSvc,
		sink:       sink,
		lg:         lg,
		interval:   cfg.CloseInterval,
		lead:       cfg.ClosingSoonLead,
		notified:   make(map[string]struct{}),
	}
}

// Run loops until the context is cancelled.
func (w *auctionCloser) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx, time.Now().UTC())
		}
	}
}

func (w *auctionCloser) tick(ctx context.Context, now time.Time) {
	w.notifyClosingSoon(ctx, now)

	ids, err := w.listings.EndedAuctionIDs(ctx, now)
	if err != nil {
		w.lg.Error("list ended auctions", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := w.ledger.CloseAuction(ctx, id); err != nil {
			w.lg.Error("close auction", zap.String("listing_id", id), zap.Error(err))
			continue
		}
		delete(w.notified, id)
		w.lg.Info("auction closed", zap.String("listing_id", id))
		w.settleWinner(ctx, id)
	}
}

// settleWinner converts a closed auction's winning bid into an order.
// A listing that closed without bids has no winner and nothing to settle.
func (w *auctionCloser) settleWinner(ctx context.Context, listingID string) {
	winner, err := w.ledger.Winner(ctx, listingID)
	if err != nil {
		if !errors.Is(err, bidding.ErrNotFound) {
			w.lg.Error("find winner", zap.String("listing_id", listingID), zap.Error(err))
		}
		return
	}

	order, err := w.settlement.SettleFromAuctionWin(ctx, winner.ID)
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadySettled) {
			return
		}
		w.lg.Error("settle auction win",
			zap.String("listing_id", listingID),
			zap.String("bid_id", winner.ID),
			zap.Error(err))
		return
	}
	w.lg.Info("auction win settled",
		zap.String("listing_id", listingID),
		zap.String("order_id", order.ID))
}

func (w *auctionCloser) notifyClosingSoon(ctx context.Context, now time.Time) {
	ending, err := w.listings.EndingWithin(ctx, now, w.lead)
	if err != nil {
		w.lg.Error("list ending auctions", zap.Error(err))
		return
	}
	for _, l := range ending {
		if _, seen := w.notified[l.ID]; seen {
			continue
		}
		w.notified[l.ID] = struct{}{}

		err := w.sink.Publish(ctx, events.TypeAuctionClosingSoon, l.ID, events.AuctionClosingSoonPayload{
			EndsAt: *l.AuctionEndsAt,
		})
		if err != nil {
			w.lg.Warn("publish closing-soon", zap.String("listing_id", l.ID), zap.Error(err))
		}
	}
}

// reservationSweeper periodically releases expired reservations so lapsed
// holds return to the available pool even when nobody touches the listing.
type reservationSweeper struct {
	inv      *inventory.Service
	lg       *zap.Logger
	interval time.Duration
}

func newReservationSweeper(inv *inventory.Service, lg *zap.Logger, cfg WorkersConfig) *reservationSweeper {
	return &reservationSweeper{inv: inv, lg: lg, interval: cfg.SweepInterval}
}

// Run loops until the context is cancelled.
func (w *reservationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.inv.SweepExpired(ctx, time.Now().UTC()); err != nil {
				w.lg.Error("sweep reservations", zap.Error(err))
			}
		}
	}
}
