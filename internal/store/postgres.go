package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridpool/clearing-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
//
// Expected schema:
//
//	CREATE TABLE offers (
//	    id            TEXT PRIMARY KEY,
//	    supplier      TEXT NOT NULL,
//	    block_number  SMALLINT NOT NULL,
//	    amount        BIGINT NOT NULL,
//	    price         BIGINT NOT NULL,
//	    submit_minute BIGINT NOT NULL,
//	    is_valid      BOOLEAN NOT NULL,
//	    seq           BIGSERIAL
//	);
//	CREATE TABLE bids (
//	    id            TEXT PRIMARY KEY,
//	    consumer      TEXT NOT NULL,
//	    amount        BIGINT NOT NULL,
//	    price         BIGINT NOT NULL,
//	    submit_minute BIGINT NOT NULL,
//	    is_valid      BOOLEAN NOT NULL,
//	    seq           BIGSERIAL
//	);
//	CREATE TABLE bid_history (
//	    id            TEXT PRIMARY KEY,
//	    consumer      TEXT NOT NULL,
//	    amount        BIGINT NOT NULL,
//	    price         BIGINT NOT NULL,
//	    submit_minute BIGINT NOT NULL,
//	    hour          BIGINT NOT NULL,
//	    seq           BIGSERIAL
//	);
//	CREATE TABLE total_demand (
//	    singleton SMALLINT PRIMARY KEY CHECK (singleton = 1),
//	    ail       BIGINT NOT NULL
//	);
//	CREATE TABLE smp_records (
//	    minute            BIGINT PRIMARY KEY,
//	    price             BIGINT NOT NULL,
//	    marginal_offer_id TEXT NOT NULL,
//	    dispatched_ids    TEXT[] NOT NULL
//	);
//	CREATE TABLE pool_prices (
//	    hour  BIGINT PRIMARY KEY,
//	    price BIGINT NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertOffer(ctx context.Context, o *model.Offer) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO offers (id, supplier, block_number, amount, price, submit_minute, is_valid)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET amount = EXCLUDED.amount, price = EXCLUDED.price,
		     submit_minute = EXCLUDED.submit_minute, is_valid = EXCLUDED.is_valid
		 RETURNING (xmax = 0)`,
		o.ID, o.Supplier, int16(o.BlockNumber),
		int64(o.Amount), int64(o.Price), o.SubmitMinute, o.IsValid).
		Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert offer %s: %w", o.ID, err)
	}
	return created, nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	var o model.Offer
	var block int16
	var amount, price int64

	err := s.pool.QueryRow(ctx,
		`SELECT id, supplier, block_number, amount, price, submit_minute, is_valid
		 FROM offers WHERE id = $1`, id).
		Scan(&o.ID, &o.Supplier, &block, &amount, &price, &o.SubmitMinute, &o.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}

	o.BlockNumber = uint8(block)
	o.Amount = uint64(amount)
	o.Price = uint64(price)
	return &o, nil
}

func (s *PostgresStore) ListValidOfferIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM offers WHERE is_valid ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListValidOffers(ctx context.Context) ([]model.Offer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, supplier, block_number, amount, price, submit_minute, is_valid
		 FROM offers WHERE is_valid ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var block int16
		var amount, price int64
		if err := rows.Scan(&o.ID, &o.Supplier, &block, &amount, &price,
			&o.SubmitMinute, &o.IsValid); err != nil {
			return nil, err
		}
		o.BlockNumber = uint8(block)
		o.Amount = uint64(amount)
		o.Price = uint64(price)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// CommitBid runs the live-bid upsert, the history append, and the demand
// delta in one transaction so a failed bid never applies partially.
func (s *PostgresStore) CommitBid(ctx context.Context, bid *model.Bid, rec *model.BidRecord, delta int64) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin commit bid: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO bids (id, consumer, amount, price, submit_minute, is_valid)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET amount = EXCLUDED.amount, price = EXCLUDED.price,
		     submit_minute = EXCLUDED.submit_minute, is_valid = EXCLUDED.is_valid`,
		bid.ID, bid.Consumer, int64(bid.Amount), int64(bid.Price),
		bid.SubmitMinute, bid.IsValid)
	if err != nil {
		return 0, fmt.Errorf("upsert bid %s: %w", bid.ID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO bid_history (id, consumer, amount, price, submit_minute, hour)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Consumer, int64(rec.Amount), int64(rec.Price),
		rec.SubmitMinute, rec.Hour)
	if err != nil {
		return 0, fmt.Errorf("append bid history: %w", err)
	}

	var newTotal int64
	err = tx.QueryRow(ctx,
		`INSERT INTO total_demand (singleton, ail) VALUES (1, $1)
		 ON CONFLICT (singleton) DO UPDATE SET ail = total_demand.ail + $1
		 RETURNING ail`, delta).
		Scan(&newTotal)
	if err != nil {
		return 0, fmt.Errorf("apply demand delta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit bid %s: %w", bid.ID, err)
	}
	return uint64(newTotal), nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	var b model.Bid
	var amount, price int64

	err := s.pool.QueryRow(ctx,
		`SELECT id, consumer, amount, price, submit_minute, is_valid
		 FROM bids WHERE id = $1`, id).
		Scan(&b.ID, &b.Consumer, &amount, &price, &b.SubmitMinute, &b.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}

	b.Amount = uint64(amount)
	b.Price = uint64(price)
	return &b, nil
}

func (s *PostgresStore) ListValidBidIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM bids WHERE is_valid ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) BidHistory(ctx context.Context, hour int64) ([]model.BidRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, consumer, amount, price, submit_minute, hour
		 FROM bid_history WHERE hour = $1 ORDER BY seq`, hour)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.BidRecord
	for rows.Next() {
		var r model.BidRecord
		var amount, price int64
		if err := rows.Scan(&r.ID, &r.Consumer, &amount, &price,
			&r.SubmitMinute, &r.Hour); err != nil {
			return nil, err
		}
		r.Amount = uint64(amount)
		r.Price = uint64(price)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) TotalDemand(ctx context.Context) (uint64, error) {
	var ail int64
	err := s.pool.QueryRow(ctx,
		`SELECT ail FROM total_demand WHERE singleton = 1`).Scan(&ail)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // no bid committed yet
	}
	if err != nil {
		return 0, fmt.Errorf("get total demand: %w", err)
	}
	return uint64(ail), nil
}

func (s *PostgresStore) PutSMP(ctx context.Context, rec *model.SMPRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO smp_records (minute, price, marginal_offer_id, dispatched_ids)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (minute) DO UPDATE
		 SET price = EXCLUDED.price, marginal_offer_id = EXCLUDED.marginal_offer_id,
		     dispatched_ids = EXCLUDED.dispatched_ids`,
		rec.Minute, int64(rec.Price), rec.MarginalOfferID, rec.DispatchedIDs)
	if err != nil {
		return fmt.Errorf("put smp %d: %w", rec.Minute, err)
	}
	return nil
}

func (s *PostgresStore) GetSMP(ctx context.Context, minute int64) (*model.SMPRecord, error) {
	var r model.SMPRecord
	var price int64

	err := s.pool.QueryRow(ctx,
		`SELECT minute, price, marginal_offer_id, dispatched_ids
		 FROM smp_records WHERE minute = $1`, minute).
		Scan(&r.Minute, &price, &r.MarginalOfferID, &r.DispatchedIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get smp %d: %w", minute, err)
	}

	r.Price = uint64(price)
	return &r, nil
}

func (s *PostgresStore) SMPsInHour(ctx context.Context, hour int64) ([]model.SMPRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT minute, price, marginal_offer_id, dispatched_ids
		 FROM smp_records WHERE minute >= $1 AND minute < $2 ORDER BY minute`,
		hour, hour+3600)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.SMPRecord
	for rows.Next() {
		var r model.SMPRecord
		var price int64
		if err := rows.Scan(&r.Minute, &price, &r.MarginalOfferID, &r.DispatchedIDs); err != nil {
			return nil, err
		}
		r.Price = uint64(price)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PutPoolPrice(ctx context.Context, rec *model.PoolPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_prices (hour, price) VALUES ($1, $2)
		 ON CONFLICT (hour) DO UPDATE SET price = EXCLUDED.price`,
		rec.Hour, int64(rec.Price))
	if err != nil {
		return fmt.Errorf("put pool price %d: %w", rec.Hour, err)
	}
	return nil
}

func (s *PostgresStore) GetPoolPrice(ctx context.Context, hour int64) (*model.PoolPrice, error) {
	var r model.PoolPrice
	var price int64

	err := s.pool.QueryRow(ctx,
		`SELECT hour, price FROM pool_prices WHERE hour = $1`, hour).
		Scan(&r.Hour, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool price %d: %w", hour, err)
	}

	r.Price = uint64(price)
	return &r, nil
}
