// Package store is the persistence surface of the engine: catalog reads,
// the guarded stock primitive, orders and the stock ledger.
package store

import (
	"context"
	"time"

	"github.com/safar/storefront-core/internal/models"
)

// StockAdjustment adds Delta to the stock of a variation, or of the product
// itself when VariationID is nil. The adjustment only applies if the
// resulting stock is not negative.
type StockAdjustment struct {
	ProductID   int64
	VariationID *int64
	Delta       int
}

// StockAdjustmentResult reports the stock observed by a conditional
// adjustment. When Matched is false nothing was written and Previous and
// New both hold the current stock.
type StockAdjustmentResult struct {
	Matched  bool
	Previous int
	New      int
}

// StatusUpdate moves an order from From to To. It only applies while the
// stored status still equals From. Payment is optional.
type StatusUpdate struct {
	OrderID int64
	From    string
	To      string
	Payment *models.PaymentDetails
}

type MovementFilter struct {
	ProductID   *int64
	VariationID *int64
	Type        string
	Reason      string
	OrderToken  string
	From        *time.Time
	To          *time.Time
}

type LowStockItem struct {
	ProductID    int64  `json:"product_id"`
	VariationID  *int64 `json:"variation_id,omitempty"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Stock        int    `json:"stock"`
	StockMinimum int    `json:"stock_minimum"`
}

// Ops are the operations available both on the store and inside a
// transaction. Every call may block on I/O.
type Ops interface {
	GetProductWithVariations(ctx context.Context, productID int64) (*models.Product, error)
	ConditionalAdjustStock(ctx context.Context, adj StockAdjustment) (StockAdjustmentResult, error)
	CreateProduct(ctx context.Context, product *models.Product) error
	CreateVariation(ctx context.Context, variation *models.Variation) error
	ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error)

	PersistOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByToken(ctx context.Context, token string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	FindOrderByExternalRef(ctx context.Context, ref string) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, update StatusUpdate) (bool, error)

	AppendStockMovement(ctx context.Context, movement *models.StockMovement) error
	QueryStockMovements(ctx context.Context, filter MovementFilter, cursor string, limit int) (*CursorPage[models.StockMovement], error)
	LatestStockMovement(ctx context.Context, productID int64, variationID *int64) (*models.StockMovement, error)
}

// Store runs Ops directly or inside InTx. fn may be invoked more than once
// when the transaction is retried, so it must not have side effects outside
// the Ops it is given.
type Store interface {
	Ops
	InTx(ctx context.Context, fn func(Ops) error) error
	Ping(ctx context.Context) error
}
