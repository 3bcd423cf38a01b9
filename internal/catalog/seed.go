// Package catalog loads catalog fixtures into a store. Opening stock is
// recorded as INITIAL ledger movements so that a freshly seeded catalog has
// no drift.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type SeedVariation struct {
	SKU          string            `json:"sku"`
	Name         string            `json:"name"`
	ImageURL     string            `json:"image_url,omitempty"`
	Price        decimal.Decimal   `json:"price"`
	Stock        int               `json:"stock"`
	StockMinimum int               `json:"stock_minimum"`
	Attributes   models.Attributes `json:"attributes,omitempty"`
	Active       *bool             `json:"active,omitempty"`
}

// SeedProduct is one fixture entry. Active defaults to true.
type SeedProduct struct {
	Name          string          `json:"name"`
	SKU           string          `json:"sku,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	HasVariations bool            `json:"has_variations"`
	Price         decimal.Decimal `json:"price"`
	Stock         int             `json:"stock"`
	StockMinimum  int             `json:"stock_minimum"`
	Active        *bool           `json:"active,omitempty"`
	Variations    []SeedVariation `json:"variations,omitempty"`
}

func LoadFile(path string) ([]SeedProduct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var products []SeedProduct
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for i, p := range products {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("seed product %d (%s): %w", i, p.Name, err)
		}
	}
	return products, nil
}

func (p SeedProduct) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.HasVariations != (len(p.Variations) > 0) {
		return fmt.Errorf("has_variations does not match the variations list")
	}
	if p.Stock < 0 {
		return fmt.Errorf("stock must not be negative")
	}
	for _, v := range p.Variations {
		if v.SKU == "" || v.Stock < 0 {
			return fmt.Errorf("variation %q needs a sku and non-negative stock", v.Name)
		}
	}
	return nil
}

type SeedReport struct {
	Products   int
	Variations int
	Movements  int
}

type Seeder struct {
	store  store.Store
	ledger *inventory.Ledger
	log    *zap.Logger
}

func NewSeeder(s store.Store, ledger *inventory.Ledger, log *zap.Logger) *Seeder {
	return &Seeder{store: s, ledger: ledger, log: log.Named("catalog")}
}

// Seed creates each product and books its opening stock as INITIAL ledger
// movements in one transaction per product, so a failure never leaves a
// product behind without its stock history.
func (s *Seeder) Seed(ctx context.Context, products []SeedProduct) (*SeedReport, error) {
	report := &SeedReport{}
	for _, fixture := range products {
		product, movements, err := s.seedProduct(ctx, fixture)
		if err != nil {
			return report, fmt.Errorf("seed product %s: %w", fixture.Name, err)
		}
		report.Products++
		report.Variations += len(product.Variations)
		report.Movements += movements
	}

	s.log.Info("Catalog seeded",
		zap.Int("products", report.Products),
		zap.Int("variations", report.Variations),
		zap.Int("movements", report.Movements))
	return report, nil
}

func (s *Seeder) seedProduct(ctx context.Context, fixture SeedProduct) (*models.Product, int, error) {
	product := &models.Product{
		Name:          fixture.Name,
		SKU:           fixture.SKU,
		ImageURL:      fixture.ImageURL,
		HasVariations: fixture.HasVariations,
		Price:         fixture.Price,
		StockMinimum:  fixture.StockMinimum,
		Active:        fixture.Active == nil || *fixture.Active,
	}

	var movements int
	err := s.store.InTx(ctx, func(ops store.Ops) error {
		product.Variations = nil
		movements = 0
		if err := ops.CreateProduct(ctx, product); err != nil {
			return err
		}
		for _, v := range fixture.Variations {
			variation := models.Variation{
				ProductID:    product.ID,
				SKU:          v.SKU,
				Name:         v.Name,
				ImageURL:     v.ImageURL,
				Price:        v.Price,
				StockMinimum: v.StockMinimum,
				Attributes:   v.Attributes,
				Active:       v.Active == nil || *v.Active,
			}
			if err := ops.CreateVariation(ctx, &variation); err != nil {
				return err
			}
			product.Variations = append(product.Variations, variation)
		}

		if !product.HasVariations {
			booked, err := s.openingStock(ctx, ops, product.ID, nil, fixture.Stock)
			movements += booked
			return err
		}
		for i, variation := range product.Variations {
			id := variation.ID
			booked, err := s.openingStock(ctx, ops, product.ID, &id, fixture.Variations[i].Stock)
			if err != nil {
				return err
			}
			movements += booked
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return product, movements, nil
}

func (s *Seeder) openingStock(ctx context.Context, ops store.Ops, productID int64, variationID *int64, stock int) (int, error) {
	if stock == 0 {
		return 0, nil
	}
	_, err := s.ledger.ApplyAdjust(ctx, ops, inventory.AdjustRequest{
		ProductID:   productID,
		VariationID: variationID,
		Delta:       stock,
		Reason:      models.ReasonInitial,
		Note:        "opening stock",
	})
	if err != nil {
		return 0, fmt.Errorf("opening stock for product %d: %w", productID, err)
	}
	return 1, nil
}
