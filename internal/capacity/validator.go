// Package capacity implements the read-only capacity checks the clearing
// engine runs against Registry-supplied figures before accepting offers and
// bids. The validator holds no state of its own.
package capacity

import (
	"errors"

	"github.com/gridpool/clearing-engine/internal/registry"
)

var (
	// ErrCapacityExceeded is returned when an offered amount exceeds the
	// supplier's registered generation capacity.
	ErrCapacityExceeded = errors.New("capacity: offered amount exceeds supplier capacity")

	// ErrDemandExceedsSupply is returned when a bid would push aggregate
	// demand beyond the total registered capacity of all suppliers.
	ErrDemandExceedsSupply = errors.New("capacity: demand exceeds total registered capacity")
)

// Validator checks amounts against registry capacity figures.
type Validator struct {
	reg registry.Registry
}

// NewValidator creates a validator reading from reg.
func NewValidator(reg registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// CheckSupplierCapacity validates that a single offer fits within the
// supplier's registered capacity at this moment.
func (v *Validator) CheckSupplierCapacity(supplier string, amount uint64) error {
	if amount > v.reg.SupplierCapacity(supplier) {
		return ErrCapacityExceeded
	}
	return nil
}

// CheckTotalCapacity validates that a candidate aggregate demand can be met
// by the total registered capacity.
func (v *Validator) CheckTotalCapacity(candidateTotal uint64) error {
	if candidateTotal > v.reg.TotalCapacity() {
		return ErrDemandExceedsSupply
	}
	return nil
}
