/*
Package catalog provides the product-category catalog.

PURPOSE:
  Converts category definitions (YAML or JSON) into accounting.ProductCategory
  values and serves them to the engine through the accounting.Catalog
  interface. Categories can be declared inline in the service config or in a
  separate file, so pricing families are configured without code changes.

FILE FORMAT:
  categories:
    - name: cpu
      provider: ucloud
      charge_model: absolute       # absolute | differential
      frequency: per_minute        # once | per_minute | per_hour | per_day
      unit: core-minutes
    - name: storage
      provider: ucloud
      charge_model: differential
      frequency: per_day
      unit: GB

  JSON is accepted as well: every JSON document is valid YAML.

DEFAULTS:
  charge_model: absolute
  frequency:    once

USAGE:
  cat, err := catalog.Load("categories.yaml")
  def, ok := cat.Category(accounting.CategoryID{Name: "cpu", Provider: "ucloud"})

SEE ALSO:
  - accounting/types.go: ProductCategory, ChargeModel, Frequency
  - config/config.go: inline categories section
*/
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// Definition is the file representation of a product category.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Provider    string `yaml:"provider" json:"provider"`
	ChargeModel string `yaml:"charge_model,omitempty" json:"charge_model,omitempty"`
	Frequency   string `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Unit        string `yaml:"unit,omitempty" json:"unit,omitempty"`
}

type document struct {
	Categories []Definition `yaml:"categories"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a concurrency-safe set of product categories.
type Catalog struct {
	mu         sync.RWMutex
	categories map[accounting.CategoryID]accounting.ProductCategory
}

var _ accounting.Catalog = (*Catalog)(nil)

// New builds a catalog from already-parsed categories.
func New(categories ...accounting.ProductCategory) (*Catalog, error) {
	c := &Catalog{categories: make(map[accounting.CategoryID]accounting.ProductCategory)}
	for _, p := range categories {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FromDefinitions converts file definitions into a catalog.
func FromDefinitions(defs []Definition) (*Catalog, error) {
	c, _ := New()
	for i, d := range defs {
		p, err := d.ToCategory()
		if err != nil {
			return nil, fmt.Errorf("category %d: %w", i, err)
		}
		if err := c.Add(p); err != nil {
			return nil, fmt.Errorf("category %d: %w", i, err)
		}
	}
	return c, nil
}

// Parse reads a YAML or JSON catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return FromDefinitions(doc.Categories)
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Add registers a category. Redefining an existing category is an error.
func (c *Catalog) Add(p accounting.ProductCategory) error {
	if err := p.ID.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.categories[p.ID]; exists {
		return fmt.Errorf("category %s defined twice", p.ID)
	}
	c.categories[p.ID] = p
	return nil
}

func (c *Catalog) Category(id accounting.CategoryID) (accounting.ProductCategory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.categories[id]
	return p, ok
}

// Categories lists every category ordered by provider, then name.
func (c *Catalog) Categories() []accounting.ProductCategory {
	c.mu.RLock()
	out := make([]accounting.ProductCategory, 0, len(c.categories))
	for _, p := range c.categories {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Provider != out[j].ID.Provider {
			return out[i].ID.Provider < out[j].ID.Provider
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return out
}

// Definitions converts the catalog back to its file form.
func (c *Catalog) Definitions() []Definition {
	cats := c.Categories()
	out := make([]Definition, 0, len(cats))
	for _, p := range cats {
		out = append(out, FromCategory(p))
	}
	return out
}

// =============================================================================
// CONVERSION
// =============================================================================

// ToCategory validates the definition and applies defaults.
func (d Definition) ToCategory() (accounting.ProductCategory, error) {
	id := accounting.CategoryID{Name: d.Name, Provider: d.Provider}
	if err := id.Validate(); err != nil {
		return accounting.ProductCategory{}, err
	}
	model, err := parseChargeModel(d.ChargeModel)
	if err != nil {
		return accounting.ProductCategory{}, err
	}
	freq, err := parseFrequency(d.Frequency)
	if err != nil {
		return accounting.ProductCategory{}, err
	}
	return accounting.ProductCategory{ID: id, Model: model, Frequency: freq, Unit: d.Unit}, nil
}

func FromCategory(p accounting.ProductCategory) Definition {
	return Definition{
		Name:        p.ID.Name,
		Provider:    p.ID.Provider,
		ChargeModel: string(p.Model),
		Frequency:   string(p.Frequency),
		Unit:        p.Unit,
	}
}

func parseChargeModel(s string) (accounting.ChargeModel, error) {
	switch s {
	case "", "absolute":
		return accounting.ChargeAbsolute, nil
	case "differential":
		return accounting.ChargeDifferential, nil
	default:
		return "", fmt.Errorf("unknown charge_model %q", s)
	}
}

func parseFrequency(s string) (accounting.Frequency, error) {
	switch s {
	case "", "once":
		return accounting.FrequencyOnce, nil
	case "per_minute":
		return accounting.FrequencyPerMinute, nil
	case "per_hour":
		return accounting.FrequencyPerHour, nil
	case "per_day":
		return accounting.FrequencyPerDay, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}
