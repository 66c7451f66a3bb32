// Package cost is the pure pricing model: it maps an instance class to an
// hourly rate and turns a rate and an elapsed duration into a charge.
//
// Nothing in this package touches state. Accrue is deterministic, so calling
// it twice with the same inputs always yields the same charge.
package cost

import (
	"errors"
	"fmt"
	"sort"

	"github.com/xraph/vmledger/types"
)

// ErrInvalidInstanceClass is returned for a class that is not in the catalog.
var ErrInvalidInstanceClass = errors.New("vmledger: invalid instance class")

// InstanceClass names a machine size.
type InstanceClass string

// Instance classes offered by the default catalog.
const (
	ClassSmall  InstanceClass = "small"
	ClassMedium InstanceClass = "medium"
	ClassLarge  InstanceClass = "large"
	ClassXLarge InstanceClass = "xlarge"
)

// Spec describes the resources and hourly price of an instance class.
type Spec struct {
	Class      InstanceClass `json:"instance_class" yaml:"instance_class"`
	VCPUs      int           `json:"vcpus" yaml:"vcpus"`
	MemoryMB   int           `json:"memory_mb" yaml:"memory_mb"`
	StorageGB  int           `json:"storage_gb" yaml:"storage_gb"`
	HourlyRate types.Money   `json:"hourly_rate" yaml:"hourly_rate"`
}

// Catalog is an immutable table of instance classes.
type Catalog struct {
	specs map[InstanceClass]Spec
}

// NewCatalog builds a catalog from specs. Duplicate classes and negative
// rates are rejected.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[InstanceClass]Spec, len(specs))}
	for _, s := range specs {
		if s.Class == "" {
			return nil, errors.New("cost: instance class name is empty")
		}
		if _, dup := c.specs[s.Class]; dup {
			return nil, fmt.Errorf("cost: duplicate instance class %q", s.Class)
		}
		if s.HourlyRate.IsNegative() {
			return nil, fmt.Errorf("cost: negative hourly rate for %q", s.Class)
		}
		c.specs[s.Class] = s
	}
	return c, nil
}

// DefaultCatalog returns the standard small/medium/large/xlarge table priced in USD.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog( //nolint:errcheck // static table is known valid
		Spec{Class: ClassSmall, VCPUs: 1, MemoryMB: 1024, StorageGB: 20, HourlyRate: types.USD(5)},
		Spec{Class: ClassMedium, VCPUs: 2, MemoryMB: 4096, StorageGB: 40, HourlyRate: types.USD(10)},
		Spec{Class: ClassLarge, VCPUs: 4, MemoryMB: 8192, StorageGB: 80, HourlyRate: types.USD(20)},
		Spec{Class: ClassXLarge, VCPUs: 8, MemoryMB: 16384, StorageGB: 160, HourlyRate: types.USD(40)},
	)
	return c
}

// Lookup returns the spec for class.
func (c *Catalog) Lookup(class InstanceClass) (Spec, error) {
	s, ok := c.specs[class]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidInstanceClass, class)
	}
	return s, nil
}

// Rate returns the hourly rate for class.
func (c *Catalog) Rate(class InstanceClass) (types.Money, error) {
	s, err := c.Lookup(class)
	if err != nil {
		return types.Money{}, err
	}
	return s.HourlyRate, nil
}

// Specs returns all specs ordered by hourly rate, then name.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HourlyRate.Amount != out[j].HourlyRate.Amount {
			return out[i].HourlyRate.Amount < out[j].HourlyRate.Amount
		}
		return out[i].Class < out[j].Class
	})
	return out
}
