package checkout

import (
	"context"
	"math"
	"testing"

	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog struct {
	store      *memory.Store
	shirt      *models.Product
	xl         int64
	inactiveXS int64
	tote       *models.Product
	retired    *models.Product
}

func seedCatalog(t *testing.T, xlStock int) *catalog {
	t.Helper()
	s := memory.New()
	c := &catalog{store: s}

	c.shirt = s.Seed(models.Product{
		Name:     "T-Shirt",
		ImageURL: "shirt.jpg",
		Active:   true,
		Variations: []models.Variation{
			{SKU: "TSHIRT-XL", Name: "XL", Price: decimal.NewFromInt(1000), Stock: xlStock, Active: true},
			{SKU: "TSHIRT-XS", Name: "XS", Price: decimal.NewFromInt(1000), Stock: 10, Active: false},
		},
	})
	c.xl = c.shirt.Variations[0].ID
	c.inactiveXS = c.shirt.Variations[1].ID

	c.tote = s.Seed(models.Product{
		Name: "Tote", SKU: "TOTE-01", ImageURL: "tote.jpg", Active: true,
		Price: decimal.RequireFromString("12.50"), Stock: 4,
	})
	c.retired = s.Seed(models.Product{
		Name: "Retired", SKU: "OLD-01", Active: false, Price: decimal.NewFromInt(5), Stock: 100,
	})
	return c
}

func newTestValidator(c *catalog) *Validator {
	return NewValidator(c.store, decimal.RequireFromString("0.21"), 2)
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func kindOf(t *testing.T, err error) *apperr.Error {
	t.Helper()
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	return appErr
}

func TestValidateComputesTotalsFromCatalog(t *testing.T) {
	c := seedCatalog(t, 5)

	cart, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2, Price: price("1000")},
	}, nil)
	require.NoError(t, err)

	assert.True(t, cart.Subtotal.Equal(decimal.NewFromInt(2000)), cart.Subtotal.String())
	assert.True(t, cart.Tax.Equal(decimal.NewFromInt(420)), cart.Tax.String())
	assert.True(t, cart.Total.Equal(decimal.NewFromInt(2420)), cart.Total.String())

	require.Len(t, cart.Lines, 1)
	line := cart.Lines[0]
	assert.Equal(t, "T-Shirt - XL", line.Name)
	assert.Equal(t, "TSHIRT-XL", line.SKU)
	assert.Equal(t, "shirt.jpg", line.ImageURL)
	assert.Equal(t, 5, line.AvailableStock)
}

func TestValidateIgnoresClientPriceForTotals(t *testing.T) {
	c := seedCatalog(t, 5)

	cart, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.tote.ID, Quantity: 3},
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 1},
	}, nil)
	require.NoError(t, err)

	subtotal := decimal.RequireFromString("37.50").Add(decimal.NewFromInt(1000))
	assert.True(t, cart.Subtotal.Equal(subtotal))
	assert.True(t, cart.Total.Equal(subtotal.Mul(decimal.RequireFromString("1.21")).Round(2)))
}

func TestValidateInsufficientStockNamesLine(t *testing.T) {
	c := seedCatalog(t, 1)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2, Price: price("1000")},
	}, nil)

	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, 0, appErr.Line)
	assert.Equal(t, 1, appErr.Available)
	assert.Equal(t, c.xl, *appErr.VariationID)
	assert.Equal(t, "only 1 left in stock", appErr.Message)
}

func TestValidateFailsOnFirstOffendingLine(t *testing.T) {
	c := seedCatalog(t, 1)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.tote.ID, Quantity: 1},
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 5},
		{ProductID: 9999, Quantity: 1},
		{ProductID: c.shirt.ID, Quantity: 0},
	}, nil)

	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, 1, appErr.Line)
}

func TestValidateAccumulatesDemandAcrossLines(t *testing.T) {
	c := seedCatalog(t, 5)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 3},
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 3},
	}, nil)

	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, 1, appErr.Line)
	assert.Equal(t, 2, appErr.Available)
}

func TestValidateHugeQuantityDoesNotWrapDemand(t *testing.T) {
	c := seedCatalog(t, 5)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 1},
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: math.MaxInt},
	}, nil)

	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInvalidCartStructure, appErr.Kind)
	assert.Equal(t, 1, appErr.Line)
	assert.Equal(t, "quantity must be at most 2147483647", appErr.Message)
}

func TestValidateLargestQuantityIsStockChecked(t *testing.T) {
	c := seedCatalog(t, 5)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 1},
		{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: math.MaxInt32},
	}, nil)

	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, 1, appErr.Line)
	assert.Equal(t, 4, appErr.Available)
}

func TestValidateRejections(t *testing.T) {
	c := seedCatalog(t, 5)
	missing := int64(9999)

	tests := []struct {
		name  string
		lines []CartLineRequest
		want  apperr.Kind
	}{
		{"empty cart", nil, apperr.KindInvalidCartStructure},
		{"zero quantity", []CartLineRequest{{ProductID: c.tote.ID, Quantity: 0}}, apperr.KindInvalidCartStructure},
		{"missing product id", []CartLineRequest{{Quantity: 1}}, apperr.KindInvalidCartStructure},
		{"negative variation id", []CartLineRequest{{ProductID: c.shirt.ID, VariationID: func() *int64 { v := int64(-1); return &v }(), Quantity: 1}}, apperr.KindInvalidCartStructure},
		{"negative price", []CartLineRequest{{ProductID: c.tote.ID, Quantity: 1, Price: price("-1")}}, apperr.KindInvalidCartStructure},
		{"unknown product", []CartLineRequest{{ProductID: 9999, Quantity: 1}}, apperr.KindProductNotFound},
		{"inactive product", []CartLineRequest{{ProductID: c.retired.ID, Quantity: 1}}, apperr.KindProductNotFound},
		{"variation required", []CartLineRequest{{ProductID: c.shirt.ID, Quantity: 1}}, apperr.KindVariationRequired},
		{"unknown variation", []CartLineRequest{{ProductID: c.shirt.ID, VariationID: &missing, Quantity: 1}}, apperr.KindVariationNotFound},
		{"variation on simple product", []CartLineRequest{{ProductID: c.tote.ID, VariationID: &c.xl, Quantity: 1}}, apperr.KindVariationNotFound},
		{"inactive variation", []CartLineRequest{{ProductID: c.shirt.ID, VariationID: &c.inactiveXS, Quantity: 1}}, apperr.KindVariationInactive},
		{"stale price", []CartLineRequest{{ProductID: c.tote.ID, Quantity: 1, Price: price("10.00")}}, apperr.KindPriceChanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestValidator(c).Validate(context.Background(), tt.lines, nil)
			assert.Equal(t, tt.want, kindOf(t, err).Kind)
		})
	}
}

func TestValidatePriceChangedCarriesBothPrices(t *testing.T) {
	c := seedCatalog(t, 5)

	_, err := newTestValidator(c).Validate(context.Background(), []CartLineRequest{
		{ProductID: c.tote.ID, Quantity: 1, Price: price("10.00")},
	}, nil)

	appErr := kindOf(t, err)
	assert.True(t, appErr.OldPrice.Equal(decimal.RequireFromString("10")))
	assert.True(t, appErr.NewPrice.Equal(decimal.RequireFromString("12.5")))
}

func TestValidateClientTotal(t *testing.T) {
	c := seedCatalog(t, 5)
	lines := []CartLineRequest{{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2}}
	v := newTestValidator(c)

	_, err := v.Validate(context.Background(), lines, price("2420.01"))
	assert.NoError(t, err, "one minor unit of rounding is tolerated")

	_, err = v.Validate(context.Background(), lines, price("2000"))
	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindTotalMismatch, appErr.Kind)
	assert.True(t, appErr.Expected.Equal(decimal.NewFromInt(2420)))
	assert.True(t, appErr.Actual.Equal(decimal.NewFromInt(2000)))
}
