// Package model defines the core domain types shared across the clearing
// engine. All amounts are whole MW and all prices are whole currency minor
// units — never float64 for money.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Offer is a supplier's live offer to deliver energy from one generation
// block. There is at most one live offer per (supplier, block); resubmission
// updates the record in place.
type Offer struct {
	ID           string `json:"id" db:"id"`
	Supplier     string `json:"supplier" db:"supplier"`
	BlockNumber  uint8  `json:"block_number" db:"block_number"` // generation-unit id, not a ledger block
	Amount       uint64 `json:"amount" db:"amount"`             // MW
	Price        uint64 `json:"price" db:"price"`               // currency minor unit per MWh
	SubmitMinute int64  `json:"submit_minute" db:"submit_minute"`
	IsValid      bool   `json:"is_valid" db:"is_valid"`
}

// Bid is a consumer's live demand bid. There is at most one live bid per
// consumer; resubmission updates the record in place and shifts total demand
// by the difference.
type Bid struct {
	ID           string `json:"id" db:"id"`
	Consumer     string `json:"consumer" db:"consumer"`
	Amount       uint64 `json:"amount" db:"amount"`
	Price        uint64 `json:"price" db:"price"`
	SubmitMinute int64  `json:"submit_minute" db:"submit_minute"`
	IsValid      bool   `json:"is_valid" db:"is_valid"`
}

// BidRecord is an immutable audit entry appended to the submission hour's
// history on every bid submission, including resubmissions. Once created,
// these are never modified or deleted.
type BidRecord struct {
	ID           string `json:"id" db:"id"` // unique per submission
	Consumer     string `json:"consumer" db:"consumer"`
	Amount       uint64 `json:"amount" db:"amount"`
	Price        uint64 `json:"price" db:"price"`
	SubmitMinute int64  `json:"submit_minute" db:"submit_minute"`
	Hour         int64  `json:"hour" db:"hour"`
}

// SMPRecord is the system marginal price observed for one minute. Written by
// CalculateSMP; a later call in the same minute replaces it, a later call in
// a later minute never touches it.
type SMPRecord struct {
	Minute          int64    `json:"minute" db:"minute"`
	Price           uint64   `json:"price" db:"price"`
	MarginalOfferID string   `json:"marginal_offer_id" db:"marginal_offer_id"` // empty when demand is zero
	DispatchedIDs   []string `json:"dispatched_ids" db:"dispatched_ids"`       // merit-order prefix covering demand
}

// PoolPrice is the settled hourly price derived from that hour's SMP records.
type PoolPrice struct {
	Hour  int64  `json:"hour" db:"hour"`
	Price uint64 `json:"price" db:"price"`
}

// OfferID derives the deterministic offer key for (supplier, block).
// Resubmitting for the same pair yields the same id, which is what makes
// offer submission an upsert.
func OfferID(supplier string, blockNumber uint8) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", supplier, blockNumber)))
	return hex.EncodeToString(sum[:])
}

// BidID derives the deterministic bid key for a consumer.
func BidID(consumer string) string {
	sum := sha256.Sum256([]byte(consumer))
	return hex.EncodeToString(sum[:])
}

// MinuteOf truncates t to its minute key: Unix seconds on a 60s boundary.
func MinuteOf(t time.Time) int64 {
	return t.Unix() - t.Unix()%60
}

// HourOf truncates t to its hour key: Unix seconds on a 3600s boundary.
func HourOf(t time.Time) int64 {
	return t.Unix() - t.Unix()%3600
}

// HourOfMinute maps a minute key to the hour key containing it.
func HourOfMinute(minute int64) int64 {
	return minute - minute%3600
}

// MinuteOffset returns the 0-59 offset of a minute key within its hour.
func MinuteOffset(minute int64) int64 {
	return (minute % 3600) / 60
}
