package store

import (
	"context"
	"sync"

	"github.com/gridpool/clearing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-node development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	offers     map[string]*model.Offer
	offerOrder []string // insertion order for stable iteration
	bids       map[string]*model.Bid
	bidOrder   []string
	history    map[int64][]model.BidRecord
	demand     uint64
	smps       map[int64]*model.SMPRecord
	poolPrices map[int64]*model.PoolPrice
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:     make(map[string]*model.Offer),
		bids:       make(map[string]*model.Bid),
		history:    make(map[int64][]model.BidRecord),
		smps:       make(map[int64]*model.SMPRecord),
		poolPrices: make(map[int64]*model.PoolPrice),
	}
}

func (s *MemoryStore) UpsertOffer(_ context.Context, offer *model.Offer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.offers[offer.ID]
	// Store a copy to avoid external mutation.
	copied := *offer
	s.offers[offer.ID] = &copied
	if !exists {
		s.offerOrder = append(s.offerOrder, offer.ID)
	}
	return !exists, nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (s *MemoryStore) ListValidOfferIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.offerOrder))
	for _, id := range s.offerOrder {
		if s.offers[id].IsValid {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) ListValidOffers(_ context.Context) ([]model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]model.Offer, 0, len(s.offerOrder))
	for _, id := range s.offerOrder {
		if o := s.offers[id]; o.IsValid {
			offers = append(offers, *o)
		}
	}
	return offers, nil
}

func (s *MemoryStore) CommitBid(_ context.Context, bid *model.Bid, rec *model.BidRecord, delta int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bids[bid.ID]; !exists {
		s.bidOrder = append(s.bidOrder, bid.ID)
	}
	copied := *bid
	s.bids[bid.ID] = &copied
	s.history[rec.Hour] = append(s.history[rec.Hour], *rec)
	s.demand = uint64(int64(s.demand) + delta)
	return s.demand, nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) ListValidBidIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.bidOrder))
	for _, id := range s.bidOrder {
		if s.bids[id].IsValid {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) BidHistory(_ context.Context, hour int64) ([]model.BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[hour]
	out := make([]model.BidRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *MemoryStore) TotalDemand(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.demand, nil
}

func (s *MemoryStore) PutSMP(_ context.Context, rec *model.SMPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	copied.DispatchedIDs = append([]string(nil), rec.DispatchedIDs...)
	s.smps[rec.Minute] = &copied
	return nil
}

func (s *MemoryStore) GetSMP(_ context.Context, minute int64) (*model.SMPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.smps[minute]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rec
	copied.DispatchedIDs = append([]string(nil), rec.DispatchedIDs...)
	return &copied, nil
}

func (s *MemoryStore) SMPsInHour(_ context.Context, hour int64) ([]model.SMPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SMPRecord
	for minute := hour; minute < hour+3600; minute += 60 {
		if rec, ok := s.smps[minute]; ok {
			copied := *rec
			copied.DispatchedIDs = append([]string(nil), rec.DispatchedIDs...)
			out = append(out, copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutPoolPrice(_ context.Context, rec *model.PoolPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	s.poolPrices[rec.Hour] = &copied
	return nil
}

func (s *MemoryStore) GetPoolPrice(_ context.Context, hour int64) (*model.PoolPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.poolPrices[hour]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rec
	return &copied, nil
}
