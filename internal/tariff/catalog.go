// Package tariff holds the static catalog of purchasable access plans.
package tariff

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"tg_vip_access_bot/internal/logging"
)

// DiscountFactor is applied to a tariff price when the buyer has an active
// promo code. The catalog price itself is never mutated.
const DiscountFactor = 0.8

// Definition describes one purchasable plan. Definitions are immutable after
// load.
type Definition struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        float64 `json:"price"`
	DurationDays int     `json:"duration_days"`
	GroupID      int64   `json:"group_id"`
}

// Duration returns the access period granted by the tariff.
func (d Definition) Duration() time.Duration {
	return time.Duration(d.DurationDays) * 24 * time.Hour
}

// Catalog is a read-only set of tariff definitions keyed by id.
type Catalog struct {
	definitions []Definition
	byID        map[string]Definition
}

// NewCatalog validates the definitions and builds the lookup index.
func NewCatalog(definitions []Definition) (*Catalog, error) {
	byID := make(map[string]Definition, len(definitions))

	for _, def := range definitions {
		if def.ID == "" {
			return nil, errors.New("tariff with empty id")
		}
		if _, exists := byID[def.ID]; exists {
			return nil, fmt.Errorf("duplicate tariff id %q", def.ID)
		}
		if def.DurationDays <= 0 {
			return nil, fmt.Errorf("tariff %q: duration_days must be greater than 0", def.ID)
		}
		byID[def.ID] = def
	}

	return &Catalog{
		definitions: append([]Definition(nil), definitions...),
		byID:        byID,
	}, nil
}

// Load reads the tariff catalog from a JSON file. A missing file degrades to
// an empty catalog so the bot still starts with catalog features unavailable;
// a malformed file is an error.
func Load(path string, logger *logrus.Entry) (*Catalog, error) {
	if logger == nil {
		logger = logging.Logger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WithFields(logging.Fields{
				"event": "catalog_missing",
				"path":  path,
			}).Warn("tariff catalog not found, starting with empty catalog")
			return NewCatalog(nil)
		}
		return nil, fmt.Errorf("read tariff catalog: %w", err)
	}

	var definitions []Definition
	if err := json.Unmarshal(data, &definitions); err != nil {
		return nil, fmt.Errorf("parse tariff catalog: %w", err)
	}

	catalog, err := NewCatalog(definitions)
	if err != nil {
		return nil, fmt.Errorf("validate tariff catalog: %w", err)
	}

	logger.WithFields(logging.Fields{
		"event":   "catalog_loaded",
		"path":    path,
		"tariffs": catalog.Len(),
	}).Info("tariff catalog loaded")

	return catalog, nil
}

// Get returns the definition for the given id.
func (c *Catalog) Get(id string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}

	def, ok := c.byID[id]
	return def, ok
}

// All returns the definitions in file order.
func (c *Catalog) All() []Definition {
	if c == nil {
		return nil
	}

	return append([]Definition(nil), c.definitions...)
}

// Len reports the number of definitions in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}

	return len(c.definitions)
}

// Quote computes the price shown to a buyer, applying the promo discount when
// active.
func Quote(price float64, promoActive bool) float64 {
	if promoActive {
		return price * DiscountFactor
	}

	return price
}
