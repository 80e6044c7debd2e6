// Package store defines the persistence interface for the clearing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"errors"

	"github.com/gridpool/clearing-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Methods that back one engine operation
// commit all of that operation's writes atomically, so a failed call never
// leaves partial state behind.
type Store interface {
	// --- Offer book ---

	// UpsertOffer inserts a new offer or updates the live record with the
	// same id in place. Reports whether a new record was created.
	UpsertOffer(ctx context.Context, offer *model.Offer) (created bool, err error)

	// GetOffer retrieves an offer by id.
	GetOffer(ctx context.Context, id string) (*model.Offer, error)

	// ListValidOfferIDs returns the ids of valid offers in insertion
	// order. The order is stable across reads of the same state.
	ListValidOfferIDs(ctx context.Context) ([]string, error)

	// ListValidOffers returns the valid offer records in insertion order.
	ListValidOffers(ctx context.Context) ([]model.Offer, error)

	// --- Bid ledger and demand ---

	// CommitBid atomically upserts the live bid, appends the immutable
	// history record, and applies the demand delta. Returns the new
	// aggregate demand.
	CommitBid(ctx context.Context, bid *model.Bid, rec *model.BidRecord, delta int64) (uint64, error)

	// GetBid retrieves a live bid by id.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// ListValidBidIDs returns the ids of live bids in insertion order.
	ListValidBidIDs(ctx context.Context) ([]string, error)

	// BidHistory returns the append-only submission history for an hour,
	// oldest first.
	BidHistory(ctx context.Context, hour int64) ([]model.BidRecord, error)

	// TotalDemand returns the current aggregate demand scalar.
	TotalDemand(ctx context.Context) (uint64, error)

	// --- SMP and settlement ---

	// PutSMP records the SMP for rec.Minute, replacing any record for
	// that exact minute.
	PutSMP(ctx context.Context, rec *model.SMPRecord) error

	// GetSMP retrieves the SMP record for a minute.
	GetSMP(ctx context.Context, minute int64) (*model.SMPRecord, error)

	// SMPsInHour returns the SMP records whose minute falls within the
	// hour, ordered by minute.
	SMPsInHour(ctx context.Context, hour int64) ([]model.SMPRecord, error)

	// PutPoolPrice records the settled price for rec.Hour.
	PutPoolPrice(ctx context.Context, rec *model.PoolPrice) error

	// GetPoolPrice retrieves the settled price for an hour.
	GetPoolPrice(ctx context.Context, hour int64) (*model.PoolPrice, error)
}
