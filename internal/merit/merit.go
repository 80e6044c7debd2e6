// Package merit implements merit-order economic dispatch for the pool
// market: offers are ranked from cheapest to most expensive and dispatched
// in that order until cumulative supply covers demand. The price of the last
// offer needed — the marginal offer — is the System Marginal Price.
//
// The package is stateless; offers and demand are passed as arguments and
// the same inputs always produce the same result.
package merit

import (
	"errors"
	"sort"

	"github.com/gridpool/clearing-engine/internal/model"
)

// ErrInsufficientSupply is returned when cumulative supply across all valid
// offers never reaches demand. No SMP exists for such a minute; recording a
// price anyway would understate scarcity in settlement.
var ErrInsufficientSupply = errors.New("merit: offered supply cannot cover demand")

// Result is the outcome of clearing one minute.
type Result struct {
	// SMP is the marginal offer's price, 0 when demand is zero.
	SMP uint64

	// MarginalOfferID identifies the offer that set the price, empty when
	// demand is zero.
	MarginalOfferID string

	// Dispatched is the merit-order prefix up to and including the
	// marginal offer, in dispatch order.
	Dispatched []model.Offer
}

// Clear ranks offers in merit order and dispatches them against demand.
//
// Offers sort ascending by price; equal prices break ties ascending by offer
// id, an arbitrary but fixed rule that keeps dispatch deterministic across
// runs. A zero demand clears at SMP 0 with nothing dispatched. If the
// cumulative amount across every offer stays below demand, Clear fails with
// ErrInsufficientSupply.
func Clear(offers []model.Offer, demand uint64) (Result, error) {
	if demand == 0 {
		return Result{}, nil
	}

	ranked := make([]model.Offer, 0, len(offers))
	for _, o := range offers {
		if o.IsValid {
			ranked = append(ranked, o)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Price == ranked[j].Price {
			return ranked[i].ID < ranked[j].ID
		}
		return ranked[i].Price < ranked[j].Price
	})

	var cumulative uint64
	for i, o := range ranked {
		cumulative += o.Amount
		if cumulative >= demand {
			return Result{
				SMP:             o.Price,
				MarginalOfferID: o.ID,
				Dispatched:      ranked[:i+1],
			}, nil
		}
	}

	return Result{}, ErrInsufficientSupply
}
