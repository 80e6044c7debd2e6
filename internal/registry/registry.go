// Package registry defines the participant registry the clearing engine
// reads eligibility and capacity figures from. Registration itself lives in
// a separate system; the engine only consumes this interface.
package registry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry supplies participant eligibility and capacity figures.
type Registry interface {
	// IsRegisteredSupplier reports whether account may submit offers.
	IsRegisteredSupplier(account string) bool

	// IsRegisteredConsumer reports whether account may submit bids.
	IsRegisteredConsumer(account string) bool

	// SupplierCapacity returns the registered generation capacity (MW)
	// for a supplier, 0 if unregistered.
	SupplierCapacity(account string) uint64

	// TotalCapacity returns the sum of all registered supplier capacities.
	TotalCapacity() uint64
}

// Supplier is one registered generation asset.
type Supplier struct {
	Account      string `yaml:"account" json:"account"`
	BlockCount   uint8  `yaml:"block_count" json:"block_count"`
	Capacity     uint64 `yaml:"capacity" json:"capacity"`
	OfferControl string `yaml:"offer_control" json:"offer_control"`
}

// Consumer is one registered load.
type Consumer struct {
	Account      string `yaml:"account" json:"account"`
	Load         uint64 `yaml:"load" json:"load"`
	OfferControl string `yaml:"offer_control" json:"offer_control"`
}

// Memory is a map-backed Registry, used for development and tests and
// seedable from a YAML file in production deployments that run without the
// external registry service.
type Memory struct {
	mu        sync.RWMutex
	suppliers map[string]Supplier
	consumers map[string]Consumer
	total     uint64
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		suppliers: make(map[string]Supplier),
		consumers: make(map[string]Consumer),
	}
}

// seedFile is the YAML shape accepted by LoadFile.
type seedFile struct {
	Suppliers []Supplier `yaml:"suppliers"`
	Consumers []Consumer `yaml:"consumers"`
}

// LoadFile builds a Memory registry from a YAML seed file.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse registry seed: %w", err)
	}

	r := NewMemory()
	for _, s := range seed.Suppliers {
		r.RegisterSupplier(s)
	}
	for _, c := range seed.Consumers {
		r.RegisterConsumer(c)
	}
	return r, nil
}

// RegisterSupplier adds or replaces a supplier record.
func (r *Memory) RegisterSupplier(s Supplier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.suppliers[s.Account]; ok {
		r.total -= prev.Capacity
	}
	r.suppliers[s.Account] = s
	r.total += s.Capacity
}

// RegisterConsumer adds or replaces a consumer record.
func (r *Memory) RegisterConsumer(c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumers[c.Account] = c
}

func (r *Memory) IsRegisteredSupplier(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.suppliers[account]
	return ok
}

func (r *Memory) IsRegisteredConsumer(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.consumers[account]
	return ok
}

func (r *Memory) SupplierCapacity(account string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.suppliers[account].Capacity
}

func (r *Memory) TotalCapacity() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.total
}
