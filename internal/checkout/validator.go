// Package checkout prices carts against the catalog and turns them into
// orders.
package checkout

import (
	"context"
	"errors"

	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/validation"
	"github.com/shopspring/decimal"
)

// CatalogReader is the read-only catalog access the validator needs.
type CatalogReader interface {
	GetProductWithVariations(ctx context.Context, productID int64) (*models.Product, error)
}

// CartLineRequest is a client-submitted line. Price is only compared with
// the catalog price to detect a stale cart.
type CartLineRequest struct {
	ProductID   int64            `json:"product_id" validate:"required,gt=0"`
	VariationID *int64           `json:"variation_id,omitempty" validate:"omitempty,gt=0"`
	Quantity    int              `json:"quantity" validate:"gt=0,lte=2147483647"`
	Price       *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0"`
}

type ValidatedCartLine struct {
	Line           int             `json:"line"`
	ProductID      int64           `json:"product_id"`
	VariationID    *int64          `json:"variation_id,omitempty"`
	SKU            string          `json:"sku,omitempty"`
	Name           string          `json:"name"`
	ImageURL       string          `json:"image_url,omitempty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Quantity       int             `json:"quantity"`
	LineTotal      decimal.Decimal `json:"line_total"`
	AvailableStock int             `json:"available_stock"`
}

type ValidatedCart struct {
	Lines    []ValidatedCartLine `json:"lines"`
	Subtotal decimal.Decimal     `json:"subtotal"`
	Tax      decimal.Decimal     `json:"tax"`
	Total    decimal.Decimal     `json:"total"`
	TaxRate  decimal.Decimal     `json:"tax_rate"`
}

type Validator struct {
	catalog CatalogReader
	fields  *validation.Validator
	taxRate decimal.Decimal
	scale   int32
}

func NewValidator(catalog CatalogReader, taxRate decimal.Decimal, scale int32) *Validator {
	return &Validator{catalog: catalog, fields: validation.New(), taxRate: taxRate, scale: scale}
}

type unitKey struct {
	productID   int64
	variationID int64
}

// Validate re-prices and stock-checks the cart. Lines are checked one at a
// time in submission order and the first failing line is reported. Demand
// for the same sellable unit accumulates across lines. Validate has no side
// effects.
func (v *Validator) Validate(ctx context.Context, lines []CartLineRequest, clientTotal *decimal.Decimal) (*ValidatedCart, error) {
	if len(lines) == 0 {
		return nil, apperr.InvalidCart(apperr.NoLine, "cart is empty")
	}

	products := make(map[int64]*models.Product)
	demand := make(map[unitKey]int)
	cart := &ValidatedCart{
		Lines:    make([]ValidatedCartLine, 0, len(lines)),
		Subtotal: decimal.Zero,
		TaxRate:  v.taxRate,
	}

	for i, line := range lines {
		if err := v.fields.Struct(line); err != nil {
			return nil, apperr.InvalidCart(i, validation.Message(err))
		}

		product, ok := products[line.ProductID]
		if !ok {
			var err error
			product, err = v.catalog.GetProductWithVariations(ctx, line.ProductID)
			if err != nil {
				if errors.Is(err, database.ErrProductNotFound) {
					return nil, apperr.ProductNotFound(i, line.ProductID)
				}
				return nil, apperr.FromStorage(err)
			}
			products[line.ProductID] = product
		}
		if !product.Active {
			return nil, apperr.ProductNotFound(i, line.ProductID)
		}

		validated, err := resolveLine(i, line, product)
		if err != nil {
			return nil, err
		}

		if line.Price != nil && !line.Price.Equal(validated.UnitPrice) {
			return nil, apperr.PriceChanged(i, line.ProductID, validated.VariationID, *line.Price, validated.UnitPrice)
		}

		key := unitKey{productID: line.ProductID}
		if validated.VariationID != nil {
			key.variationID = *validated.VariationID
		}
		alreadyRequested := demand[key]
		available := validated.AvailableStock - alreadyRequested
		if line.Quantity > available {
			if available < 0 {
				available = 0
			}
			return nil, apperr.InsufficientStock(i, line.ProductID, validated.VariationID, available, line.Quantity)
		}
		demand[key] = alreadyRequested + line.Quantity

		validated.LineTotal = validated.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		cart.Subtotal = cart.Subtotal.Add(validated.LineTotal)
		cart.Lines = append(cart.Lines, validated)
	}

	cart.Tax = cart.Subtotal.Mul(v.taxRate).Round(v.scale)
	cart.Total = cart.Subtotal.Add(cart.Tax)

	if clientTotal != nil {
		epsilon := decimal.New(1, -v.scale)
		if clientTotal.Sub(cart.Total).Abs().GreaterThan(epsilon) {
			return nil, apperr.TotalMismatch(cart.Total, *clientTotal)
		}
	}

	return cart, nil
}

// resolveLine picks the sellable unit for the line and copies its
// authoritative price, stock and display data.
func resolveLine(i int, line CartLineRequest, product *models.Product) (ValidatedCartLine, error) {
	validated := ValidatedCartLine{
		Line:      i,
		ProductID: product.ID,
		Quantity:  line.Quantity,
	}

	if !product.HasVariations {
		if line.VariationID != nil {
			return validated, apperr.VariationNotFound(i, product.ID, *line.VariationID)
		}
		validated.SKU = product.SKU
		validated.Name = product.Name
		validated.ImageURL = product.ImageURL
		validated.UnitPrice = product.Price
		validated.AvailableStock = product.Stock
		return validated, nil
	}

	if line.VariationID == nil {
		return validated, apperr.VariationRequired(i, product.ID)
	}
	variation := product.FindVariation(*line.VariationID)
	if variation == nil {
		return validated, apperr.VariationNotFound(i, product.ID, *line.VariationID)
	}
	if !variation.Active {
		return validated, apperr.VariationInactive(i, product.ID, variation.ID)
	}

	variationID := variation.ID
	validated.VariationID = &variationID
	validated.SKU = variation.SKU
	validated.Name = product.Name + " - " + variation.Name
	validated.ImageURL = variation.ImageURL
	if validated.ImageURL == "" {
		validated.ImageURL = product.ImageURL
	}
	validated.UnitPrice = variation.Price
	validated.AvailableStock = variation.Stock
	return validated, nil
}
