package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/config"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCheckoutConfig = config.CheckoutConfig{
	TaxRate:       decimal.RequireFromString("0.21"),
	CurrencyScale: 2,
	Timeout:       5 * time.Second,
}

func newTestService(s store.Store) *Service {
	return NewService(s, testCheckoutConfig, zap.NewNop())
}

func orderRequest(lines ...CartLineRequest) CreateOrderRequest {
	return CreateOrderRequest{
		Customer:      models.Customer{Name: "Ana Pérez", Email: "ana@example.com"},
		Lines:         lines,
		PaymentMethod: models.PaymentMethodCard,
	}
}

func variationStock(t *testing.T, s store.Ops, productID, variationID int64) int {
	t.Helper()
	p, err := s.GetProductWithVariations(context.Background(), productID)
	require.NoError(t, err)
	v := p.FindVariation(variationID)
	require.NotNil(t, v)
	return v.Stock
}

func TestCreateOrderDecrementsStockAndWritesLedger(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)

	order, err := svc.CreateOrder(context.Background(), orderRequest(
		CartLineRequest{ProductID: c.tote.ID, Quantity: 1},
		CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2, Price: price("1000")},
	))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Regexp(t, `^ORD-\d{8}-[0-9A-F]{12}$`, order.OrderNumber)
	assert.Len(t, order.AccessToken, 32)
	require.Len(t, order.Items, 2)
	assert.Equal(t, c.tote.ID, order.Items[0].ProductID, "items keep submission order")

	assert.Equal(t, 3, variationStock(t, c.store, c.shirt.ID, c.xl))
	tote, err := c.store.GetProductWithVariations(context.Background(), c.tote.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, tote.Stock)

	movements := c.store.Movements()
	require.Len(t, movements, 2)
	for _, m := range movements {
		assert.Equal(t, models.MovementOut, m.Type)
		assert.Equal(t, models.ReasonSale, m.Reason)
		require.NotNil(t, m.OrderToken)
		assert.Equal(t, order.AccessToken, *m.OrderToken)
		assert.True(t, m.Consistent())
	}

	byUnit := map[bool]models.StockMovement{}
	for _, m := range movements {
		byUnit[m.VariationID != nil] = m
	}
	assert.Equal(t, 3, byUnit[true].NewStock)
	assert.Equal(t, 5, byUnit[true].PreviousStock)
	assert.Equal(t, 3, byUnit[false].NewStock)
}

func TestCreateOrderRejectsBeforeTouchingStock(t *testing.T) {
	c := seedCatalog(t, 1)
	svc := newTestService(c.store)

	_, err := svc.CreateOrder(context.Background(), orderRequest(
		CartLineRequest{ProductID: c.tote.ID, Quantity: 1},
		CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2},
	))
	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, appErr.Kind)
	assert.Equal(t, 1, appErr.Line)

	assert.Empty(t, c.store.Movements())
	assert.Equal(t, 1, variationStock(t, c.store, c.shirt.ID, c.xl))
}

func TestCreateOrderValidatesCustomer(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)
	line := CartLineRequest{ProductID: c.tote.ID, Quantity: 1}

	tests := []struct {
		name string
		edit func(*CreateOrderRequest)
		want string
	}{
		{"missing name", func(r *CreateOrderRequest) { r.Customer.Name = " " }, "name is required"},
		{"missing email", func(r *CreateOrderRequest) { r.Customer.Email = "" }, "email is required"},
		{"bad email", func(r *CreateOrderRequest) { r.Customer.Email = "not-an-email" }, "email must be a valid email address"},
		{"display name email", func(r *CreateOrderRequest) { r.Customer.Email = "Ana <ana@example.com>" }, "email must be a valid email address"},
		{"unknown payment method", func(r *CreateOrderRequest) { r.PaymentMethod = "barter" }, "payment_method must be one of [card transfer cash]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := orderRequest(line)
			tt.edit(&req)
			_, err := svc.CreateOrder(context.Background(), req)
			appErr := kindOf(t, err)
			assert.Equal(t, apperr.KindInvalidCartStructure, appErr.Kind)
			assert.Equal(t, apperr.NoLine, appErr.Line)
			assert.Equal(t, tt.want, appErr.Message)
		})
	}
	assert.Empty(t, c.store.Movements())
}

// barrierStore holds every InTx caller until all expected callers have
// arrived, so both sides of a race validate against the same stock.
type barrierStore struct {
	store.Store
	arrived sync.WaitGroup
}

func newBarrierStore(s store.Store, callers int) *barrierStore {
	b := &barrierStore{Store: s}
	b.arrived.Add(callers)
	return b
}

func (b *barrierStore) InTx(ctx context.Context, fn func(store.Ops) error) error {
	b.arrived.Done()
	b.arrived.Wait()
	return b.Store.InTx(ctx, fn)
}

func TestConcurrentOrdersForLastUnitsOneWins(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(newBarrierStore(c.store, 2))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateOrder(context.Background(), orderRequest(
				CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 5},
			))
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case apperr.KindOf(err) == apperr.KindStockRaceLost:
			lost++
			assert.Equal(t, 0, kindOf(t, err).Line)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 0, variationStock(t, c.store, c.shirt.ID, c.xl))
	assert.Len(t, c.store.Movements(), 1)
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)

	req := orderRequest(CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2})
	req.IdempotencyKey = "checkout-42"

	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
	assert.Len(t, c.store.Movements(), 1)
	assert.Equal(t, 3, variationStock(t, c.store, c.shirt.ID, c.xl))
}

func TestConcurrentDuplicateIdempotencyKeyReplays(t *testing.T) {
	c := seedCatalog(t, 2)
	svc := newTestService(newBarrierStore(c.store, 2))

	req := orderRequest(CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2})
	req.IdempotencyKey = "checkout-retry-7"

	var wg sync.WaitGroup
	orders := make([]*models.Order, 2)
	errs := make([]error, 2)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orders[i], errs[i] = svc.CreateOrder(context.Background(), req)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, orders[0].ID, orders[1].ID)
	assert.Equal(t, orders[0].OrderNumber, orders[1].OrderNumber)
	assert.Equal(t, 0, variationStock(t, c.store, c.shirt.ID, c.xl))
	assert.Len(t, c.store.Movements(), 1)
}

func TestOrderSnapshotSurvivesCatalogEdits(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)

	order, err := svc.CreateOrder(context.Background(), orderRequest(
		CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 1},
	))
	require.NoError(t, err)

	require.NoError(t, c.store.UpdateVariation(c.xl, func(v *models.Variation) {
		v.Name = "Extra Large"
		v.Price = decimal.NewFromInt(1500)
		v.Active = false
	}))

	summary, err := svc.GetOrderByToken(context.Background(), order.AccessToken)
	require.NoError(t, err)
	require.Len(t, summary.Items, 1)
	assert.Equal(t, "T-Shirt - XL", summary.Items[0].Name)
	assert.True(t, summary.Items[0].UnitPrice.Equal(decimal.NewFromInt(1000)))
	assert.True(t, summary.Total.Equal(decimal.NewFromInt(1210)))
	assert.Equal(t, "Ana Pérez", summary.CustomerName)

	again, err := svc.GetOrderByToken(context.Background(), order.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, summary.Items, again.Items)
}

func TestGetOrderByTokenUnknown(t *testing.T) {
	svc := newTestService(seedCatalog(t, 5).store)

	for _, token := range []string{"", "nope"} {
		_, err := svc.GetOrderByToken(context.Background(), token)
		assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
	}
}

func TestTransitionStatusCancelRestoresStock(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, orderRequest(
		CartLineRequest{ProductID: c.shirt.ID, VariationID: &c.xl, Quantity: 2},
	))
	require.NoError(t, err)
	require.Equal(t, 3, variationStock(t, c.store, c.shirt.ID, c.xl))

	updated, err := svc.TransitionStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 5, variationStock(t, c.store, c.shirt.ID, c.xl))

	movements := c.store.Movements()
	require.Len(t, movements, 2)
	restock := movements[1]
	assert.Equal(t, models.MovementIn, restock.Type)
	assert.Equal(t, models.ReasonAdjustment, restock.Reason)
	assert.Equal(t, 3, restock.PreviousStock)
	assert.Equal(t, 5, restock.NewStock)

	_, err = svc.TransitionStatus(ctx, order.ID, models.OrderStatusCompleted)
	appErr := kindOf(t, err)
	assert.Equal(t, apperr.KindInvalidStatusTransition, appErr.Kind)
	assert.Equal(t, models.OrderStatusCancelled, appErr.From)
	assert.Len(t, c.store.Movements(), 2)
}

func TestTransitionStatusProcessingKeepsStock(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, orderRequest(CartLineRequest{ProductID: c.tote.ID, Quantity: 1}))
	require.NoError(t, err)

	updated, err := svc.TransitionStatus(ctx, order.ID, models.OrderStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, updated.Status)
	assert.Len(t, c.store.Movements(), 1)

	_, err = svc.TransitionStatus(ctx, order.ID, models.OrderStatusPending)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatusTransition)
}

func TestTransitionStatusUnknownOrder(t *testing.T) {
	svc := newTestService(seedCatalog(t, 5).store)

	_, err := svc.TransitionStatus(context.Background(), 404, models.OrderStatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	_, err = svc.TransitionStatus(context.Background(), 1, "shipped")
	assert.ErrorIs(t, err, apperr.ErrInvalidStatusTransition)
}

func TestValidateCartReportsTimeout(t *testing.T) {
	c := seedCatalog(t, 5)
	svc := newTestService(c.store)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := svc.ValidateCart(ctx, []CartLineRequest{{ProductID: c.tote.ID, Quantity: 1}}, nil)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.True(t, apperr.Retryable(err))

	_, err = svc.CreateOrder(ctx, orderRequest(CartLineRequest{ProductID: c.tote.ID, Quantity: 1}))
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Empty(t, c.store.Movements())
}
