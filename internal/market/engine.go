// Package market implements the pool-market clearing engine: it accepts
// supply offers and demand bids from registered participants, computes the
// per-minute System Marginal Price by merit-order dispatch, and settles an
// hourly pool price from the recorded SMPs.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridpool/clearing-engine/internal/capacity"
	"github.com/gridpool/clearing-engine/internal/merit"
	"github.com/gridpool/clearing-engine/internal/metrics"
	"github.com/gridpool/clearing-engine/internal/model"
	"github.com/gridpool/clearing-engine/internal/registry"
	"github.com/gridpool/clearing-engine/internal/settlement"
	"github.com/gridpool/clearing-engine/internal/store"
)

var (
	// ErrUnregisteredSupplier is returned when an offer arrives from an
	// account the registry does not list as a supplier.
	ErrUnregisteredSupplier = errors.New("market: unregistered supplier")

	// ErrUnregisteredConsumer is returned when a bid arrives from an
	// account the registry does not list as a consumer.
	ErrUnregisteredConsumer = errors.New("market: unregistered consumer")

	// ErrPriceOutOfBounds is returned when an offered or bid price falls
	// outside the market's configured [min, max] band.
	ErrPriceOutOfBounds = errors.New("market: price outside allowed bounds")

	// ErrFutureHour is returned when settlement is requested for an hour
	// that has not started yet.
	ErrFutureHour = errors.New("market: hour is in the future")
)

// Clock supplies the engine's notion of "now". The engine never reads the
// wall clock directly so tests can drive synthetic time; values must be
// monotonically non-decreasing across calls.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Config carries the market parameters fixed at startup.
type Config struct {
	// MinPrice and MaxPrice bound every submitted offer and bid price.
	MinPrice uint64
	MaxPrice uint64

	// AutoSMP recomputes the SMP after every successful bid so the price
	// tracks demand changes without a separate scheduler. When false the
	// SMP only moves on an explicit CalculateSMP call.
	AutoSMP bool
}

// Service is the clearing engine. All mutating operations run under a single
// mutex: the delta-maintained demand scalar makes concurrent writers unsafe,
// so a single-writer discipline is required per engine instance.
type Service struct {
	store     store.Store
	registry  registry.Registry
	validator *capacity.Validator
	clock     Clock
	cfg       Config
	mu        sync.Mutex
	wsHub     *WSHub // optional hub for event broadcasts
}

// NewService creates a clearing engine over the given store and registry.
// Pass nil for hub if event broadcasting is not needed.
func NewService(st store.Store, reg registry.Registry, clock Clock, cfg Config, hub *WSHub) *Service {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	return &Service{
		store:     st,
		registry:  reg,
		validator: capacity.NewValidator(reg),
		clock:     clock,
		cfg:       cfg,
		wsHub:     hub,
	}
}

func (s *Service) checkPrice(price uint64) error {
	if price < s.cfg.MinPrice || price > s.cfg.MaxPrice {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPriceOutOfBounds,
			price, s.cfg.MinPrice, s.cfg.MaxPrice)
	}
	return nil
}

// SubmitOffer records a supplier's offer for one generation block. An offer
// for a (supplier, block) pair that already exists is updated in place; the
// valid-offer count does not change. All checks run before any mutation.
func (s *Service) SubmitOffer(ctx context.Context, supplier string, blockNumber uint8, amount, price uint64) (*model.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.IsRegisteredSupplier(supplier) {
		return nil, ErrUnregisteredSupplier
	}
	if err := s.validator.CheckSupplierCapacity(supplier, amount); err != nil {
		metrics.SubmissionRejections.WithLabelValues("offer").Inc()
		return nil, err
	}
	if err := s.checkPrice(price); err != nil {
		metrics.SubmissionRejections.WithLabelValues("offer").Inc()
		return nil, err
	}

	offer := &model.Offer{
		ID:           model.OfferID(supplier, blockNumber),
		Supplier:     supplier,
		BlockNumber:  blockNumber,
		Amount:       amount,
		Price:        price,
		SubmitMinute: model.MinuteOf(s.clock.Now()),
		IsValid:      true,
	}

	created, err := s.store.UpsertOffer(ctx, offer)
	if err != nil {
		return nil, err
	}

	metrics.OffersSubmitted.Inc()
	slog.Info("offer submitted",
		"offer_id", offer.ID,
		"supplier", supplier,
		"block", blockNumber,
		"amount", amount,
		"price", price,
		"created", created,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "offer_submitted",
			OfferID: offer.ID,
			Account: supplier,
			Amount:  amount,
			Price:   price,
		})
	}
	return offer, nil
}

// SubmitBid records a consumer's demand bid and shifts aggregate demand by
// the difference against the consumer's previous live bid. A bid of amount 0
// is a withdrawal: it travels the same delta path and releases the
// consumer's whole previous amount. Returns the bid and the new total
// demand. All checks run before any mutation; a rejected bid leaves the live
// bid, the history, and the demand scalar untouched.
func (s *Service) SubmitBid(ctx context.Context, consumer string, amount, price uint64) (*model.Bid, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.IsRegisteredConsumer(consumer) {
		return nil, 0, ErrUnregisteredConsumer
	}
	if err := s.checkPrice(price); err != nil {
		metrics.SubmissionRejections.WithLabelValues("bid").Inc()
		return nil, 0, err
	}

	id := model.BidID(consumer)

	var prev uint64
	if existing, err := s.store.GetBid(ctx, id); err == nil {
		prev = existing.Amount
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	delta := int64(amount) - int64(prev)

	total, err := s.store.TotalDemand(ctx)
	if err != nil {
		return nil, 0, err
	}
	candidate := uint64(int64(total) + delta)
	if err := s.validator.CheckTotalCapacity(candidate); err != nil {
		metrics.SubmissionRejections.WithLabelValues("bid").Inc()
		return nil, 0, err
	}

	now := s.clock.Now()
	bid := &model.Bid{
		ID:           id,
		Consumer:     consumer,
		Amount:       amount,
		Price:        price,
		SubmitMinute: model.MinuteOf(now),
		IsValid:      true,
	}
	rec := &model.BidRecord{
		ID:           uuid.New().String(),
		Consumer:     consumer,
		Amount:       amount,
		Price:        price,
		SubmitMinute: model.MinuteOf(now),
		Hour:         model.HourOf(now),
	}

	newTotal, err := s.store.CommitBid(ctx, bid, rec, delta)
	if err != nil {
		return nil, 0, err
	}

	metrics.BidsSubmitted.Inc()
	metrics.TotalDemand.Set(float64(newTotal))
	slog.Info("bid submitted",
		"bid_id", bid.ID,
		"consumer", consumer,
		"amount", amount,
		"price", price,
		"total_demand", newTotal,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "bid_submitted",
			BidID:   bid.ID,
			Account: consumer,
			Amount:  amount,
			Price:   price,
		})
		s.wsHub.Broadcast(WSMessage{
			Type:   "demand_changed",
			Amount: newTotal,
		})
	}

	if s.cfg.AutoSMP {
		// A supply shortfall is not the bidder's error: the bid stands,
		// the minute just has no SMP yet.
		if _, err := s.calculateSMP(ctx); err != nil && !errors.Is(err, merit.ErrInsufficientSupply) {
			return nil, 0, err
		}
	}

	return bid, newTotal, nil
}

// CalculateSMP clears the current minute: it merit-orders the valid offers,
// dispatches them against current demand, and records the marginal price
// under the current minute. The record reflects this instant's book and
// demand; later mutations within the same minute only show up if
// CalculateSMP runs again.
func (s *Service) CalculateSMP(ctx context.Context) (*model.SMPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calculateSMP(ctx)
}

// calculateSMP is the lock-free core shared with the AutoSMP path.
func (s *Service) calculateSMP(ctx context.Context) (*model.SMPRecord, error) {
	offers, err := s.store.ListValidOffers(ctx)
	if err != nil {
		return nil, err
	}
	demand, err := s.store.TotalDemand(ctx)
	if err != nil {
		return nil, err
	}

	result, err := merit.Clear(offers, demand)
	if err != nil {
		metrics.DispatchFailures.Inc()
		return nil, err
	}

	dispatched := make([]string, len(result.Dispatched))
	for i, o := range result.Dispatched {
		dispatched[i] = o.ID
	}

	rec := &model.SMPRecord{
		Minute:          model.MinuteOf(s.clock.Now()),
		Price:           result.SMP,
		MarginalOfferID: result.MarginalOfferID,
		DispatchedIDs:   dispatched,
	}
	if err := s.store.PutSMP(ctx, rec); err != nil {
		return nil, err
	}

	metrics.LastSMP.Set(float64(rec.Price))
	slog.Info("smp calculated",
		"minute", rec.Minute,
		"smp", rec.Price,
		"marginal_offer_id", rec.MarginalOfferID,
		"dispatched", len(dispatched),
		"demand", demand,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "smp_calculated",
			Minute:  rec.Minute,
			Price:   rec.Price,
			OfferID: rec.MarginalOfferID,
		})
	}
	return rec, nil
}

// CalculatePoolPrice settles an hour: the SMP records within it are
// time-weighted into a single pool price and persisted. Hours that have not
// started yet are rejected; the current, still-running hour settles over the
// samples recorded so far.
func (s *Service) CalculatePoolPrice(ctx context.Context, hour int64) (*model.PoolPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hour = hour - hour%3600
	if hour > model.HourOf(s.clock.Now()) {
		return nil, ErrFutureHour
	}

	samples, err := s.store.SMPsInHour(ctx, hour)
	if err != nil {
		return nil, err
	}

	rec := &model.PoolPrice{
		Hour:  hour,
		Price: settlement.PoolPrice(samples),
	}
	if err := s.store.PutPoolPrice(ctx, rec); err != nil {
		return nil, err
	}

	metrics.LastPoolPrice.Set(float64(rec.Price))
	slog.Info("pool price calculated",
		"hour", rec.Hour,
		"price", rec.Price,
		"samples", len(samples),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:  "pool_price_calculated",
			Hour:  rec.Hour,
			Price: rec.Price,
		})
	}
	return rec, nil
}

// --- Read accessors ---

// ValidOfferIDs returns the ids of live valid offers in insertion order.
func (s *Service) ValidOfferIDs(ctx context.Context) ([]string, error) {
	return s.store.ListValidOfferIDs(ctx)
}

// Offer returns the live offer for id.
func (s *Service) Offer(ctx context.Context, id string) (*model.Offer, error) {
	return s.store.GetOffer(ctx, id)
}

// ValidBidIDs returns the ids of live bids in insertion order.
func (s *Service) ValidBidIDs(ctx context.Context) ([]string, error) {
	return s.store.ListValidBidIDs(ctx)
}

// Bid returns the live bid for id.
func (s *Service) Bid(ctx context.Context, id string) (*model.Bid, error) {
	return s.store.GetBid(ctx, id)
}

// BidsInHour returns the append-only bid history for an hour, oldest first.
// Resubmissions appear as separate entries.
func (s *Service) BidsInHour(ctx context.Context, hour int64) ([]model.BidRecord, error) {
	return s.store.BidHistory(ctx, hour-hour%3600)
}

// LatestTotalDemand returns the current aggregate demand (AIL).
func (s *Service) LatestTotalDemand(ctx context.Context) (uint64, error) {
	return s.store.TotalDemand(ctx)
}

// SMP returns the SMP record for a minute, store.ErrNotFound if the minute
// was never cleared.
func (s *Service) SMP(ctx context.Context, minute int64) (*model.SMPRecord, error) {
	return s.store.GetSMP(ctx, minute-minute%60)
}

// MarginalOffer returns the offer that set the price for a minute.
// A minute cleared at zero demand has no marginal offer and reads as
// store.ErrNotFound.
func (s *Service) MarginalOffer(ctx context.Context, minute int64) (*model.Offer, error) {
	rec, err := s.SMP(ctx, minute)
	if err != nil {
		return nil, err
	}
	if rec.MarginalOfferID == "" {
		return nil, store.ErrNotFound
	}
	return s.store.GetOffer(ctx, rec.MarginalOfferID)
}

// DispatchedOffers returns the merit-order prefix dispatched by the most
// recent SMP calculation within an hour, cheapest first.
func (s *Service) DispatchedOffers(ctx context.Context, hour int64) ([]model.Offer, error) {
	samples, err := s.store.SMPsInHour(ctx, hour-hour%3600)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, store.ErrNotFound
	}

	latest := samples[len(samples)-1]
	offers := make([]model.Offer, 0, len(latest.DispatchedIDs))
	for _, id := range latest.DispatchedIDs {
		o, err := s.store.GetOffer(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve dispatched offer %s: %w", id, err)
		}
		offers = append(offers, *o)
	}
	return offers, nil
}

// PoolPrice returns the settled price for an hour, store.ErrNotFound if the
// hour was never settled.
func (s *Service) PoolPrice(ctx context.Context, hour int64) (*model.PoolPrice, error) {
	return s.store.GetPoolPrice(ctx, hour-hour%3600)
}
