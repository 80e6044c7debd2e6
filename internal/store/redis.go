package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridpool/clearing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cached record; reads
// check Redis first then fall back to the primary.
//
// Offer and bid records cache per id; SMP and pool-price records cache per
// minute/hour key. Demand and list queries pass through — the demand scalar
// changes on every bid and the lists must reflect insertion order exactly.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) UpsertOffer(ctx context.Context, o *model.Offer) (bool, error) {
	created, err := s.primary.UpsertOffer(ctx, o)
	if err != nil {
		return false, err
	}
	s.cacheJSON(ctx, offerKey(o.ID), o)
	return created, nil
}

func (s *CachedStore) CommitBid(ctx context.Context, bid *model.Bid, rec *model.BidRecord, delta int64) (uint64, error) {
	newTotal, err := s.primary.CommitBid(ctx, bid, rec, delta)
	if err != nil {
		return 0, err
	}
	s.cacheJSON(ctx, bidKey(bid.ID), bid)
	return newTotal, nil
}

func (s *CachedStore) PutSMP(ctx context.Context, rec *model.SMPRecord) error {
	if err := s.primary.PutSMP(ctx, rec); err != nil {
		return err
	}
	s.cacheJSON(ctx, smpKey(rec.Minute), rec)
	return nil
}

func (s *CachedStore) PutPoolPrice(ctx context.Context, rec *model.PoolPrice) error {
	if err := s.primary.PutPoolPrice(ctx, rec); err != nil {
		return err
	}
	s.cacheJSON(ctx, poolKey(rec.Hour), rec)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	var o model.Offer
	if s.readJSON(ctx, offerKey(id), &o) {
		return &o, nil
	}

	got, err := s.primary.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, offerKey(id), got)
	return got, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	var b model.Bid
	if s.readJSON(ctx, bidKey(id), &b) {
		return &b, nil
	}

	got, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, bidKey(id), got)
	return got, nil
}

func (s *CachedStore) GetSMP(ctx context.Context, minute int64) (*model.SMPRecord, error) {
	var r model.SMPRecord
	if s.readJSON(ctx, smpKey(minute), &r) {
		return &r, nil
	}

	got, err := s.primary.GetSMP(ctx, minute)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, smpKey(minute), got)
	return got, nil
}

func (s *CachedStore) GetPoolPrice(ctx context.Context, hour int64) (*model.PoolPrice, error) {
	var r model.PoolPrice
	if s.readJSON(ctx, poolKey(hour), &r) {
		return &r, nil
	}

	got, err := s.primary.GetPoolPrice(ctx, hour)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, poolKey(hour), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListValidOfferIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListValidOfferIDs(ctx)
}

func (s *CachedStore) ListValidOffers(ctx context.Context) ([]model.Offer, error) {
	return s.primary.ListValidOffers(ctx)
}

func (s *CachedStore) ListValidBidIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListValidBidIDs(ctx)
}

func (s *CachedStore) BidHistory(ctx context.Context, hour int64) ([]model.BidRecord, error) {
	return s.primary.BidHistory(ctx, hour)
}

func (s *CachedStore) TotalDemand(ctx context.Context) (uint64, error) {
	return s.primary.TotalDemand(ctx)
}

func (s *CachedStore) SMPsInHour(ctx context.Context, hour int64) ([]model.SMPRecord, error) {
	return s.primary.SMPsInHour(ctx, hour)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func offerKey(id string) string  { return fmt.Sprintf("offer:%s", id) }
func bidKey(id string) string    { return fmt.Sprintf("bid:%s", id) }
func smpKey(minute int64) string { return fmt.Sprintf("smp:%d", minute) }
func poolKey(hour int64) string  { return fmt.Sprintf("poolprice:%d", hour) }
