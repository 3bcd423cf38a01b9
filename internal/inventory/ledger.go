package inventory

import (
	"context"
	"errors"

	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
	"github.com/safar/storefront-core/internal/telemetry"
	"github.com/safar/storefront-core/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Ledger struct {
	store       store.Store
	fields      *validation.Validator
	log         *zap.Logger
	tracer      trace.Tracer
	adjustments metric.Int64Counter
}

func NewLedger(s store.Store, log *zap.Logger) *Ledger {
	return &Ledger{
		store:  s,
		fields: validation.New(),
		log:    log.Named("ledger"),
		tracer: otel.Tracer("storefront-core/inventory"),
		adjustments: telemetry.Counter(telemetry.Meter("inventory"),
			"stock_adjustments_total", "Manual stock adjustments applied"),
	}
}

// AdjustRequest is an administrative stock change. SALE is reserved for
// checkout and is not an accepted reason.
type AdjustRequest struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	VariationID *int64 `json:"variation_id,omitempty" validate:"omitempty,gt=0"`
	Delta       int    `json:"delta" validate:"ne=0,gte=-2147483647,lte=2147483647"`
	Reason      string `json:"reason" validate:"required,oneof=MANUAL ADJUSTMENT INITIAL"`
	Note        string `json:"note,omitempty"`
}

type DriftReport struct {
	ProductID      int64  `json:"product_id"`
	VariationID    *int64 `json:"variation_id,omitempty"`
	CatalogStock   int    `json:"catalog_stock"`
	LedgerStock    *int   `json:"ledger_stock,omitempty"`
	LastMovementID *int64 `json:"last_movement_id,omitempty"`
	Drift          bool   `json:"drift"`
}

// Append records a movement as is. It only checks that the entry is
// well-formed; the caller is responsible for having applied the stock
// change it describes. Entries written by ApplyMovement pass the same
// checks.
func (l *Ledger) Append(ctx context.Context, m *models.StockMovement) (*models.StockMovement, error) {
	if err := checkMovement(m); err != nil {
		return nil, err
	}
	if err := l.store.AppendStockMovement(ctx, m); err != nil {
		return nil, apperr.FromStorage(err)
	}
	return m, nil
}

func (l *Ledger) Query(ctx context.Context, filter store.MovementFilter, cursor string, limit int) (*store.CursorPage[models.StockMovement], error) {
	page, err := l.store.QueryStockMovements(ctx, filter, cursor, limit)
	if err != nil {
		return nil, apperr.FromStorage(err)
	}
	return page, nil
}

// CurrentStock reads the catalog counter, not the ledger.
func (l *Ledger) CurrentStock(ctx context.Context, productID int64, variationID *int64) (int, error) {
	product, err := l.store.GetProductWithVariations(ctx, productID)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return 0, apperr.ProductNotFound(apperr.NoLine, productID)
		}
		return 0, apperr.FromStorage(err)
	}

	if variationID == nil {
		if product.HasVariations {
			return 0, apperr.VariationRequired(apperr.NoLine, productID)
		}
		return product.Stock, nil
	}

	variation := product.FindVariation(*variationID)
	if variation == nil {
		return 0, apperr.VariationNotFound(apperr.NoLine, productID, *variationID)
	}
	return variation.Stock, nil
}

// Adjust applies an administrative stock change and its ledger entry in one
// transaction. Decrements below zero are refused.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*models.StockMovement, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Adjust")
	defer span.End()

	var movement *models.StockMovement
	err := l.store.InTx(ctx, func(ops store.Ops) error {
		var err error
		movement, err = l.ApplyAdjust(ctx, ops, req)
		return err
	})
	if err != nil {
		err = apperr.FromStorage(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.adjustments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", req.Reason)))
	l.log.Info("Stock adjusted",
		zap.Int64("product_id", req.ProductID),
		zap.Int64p("variation_id", req.VariationID),
		zap.String("reason", req.Reason),
		zap.Int("previous_stock", movement.PreviousStock),
		zap.Int("new_stock", movement.NewStock),
	)
	return movement, nil
}

// ApplyAdjust is Adjust inside a transaction the caller already holds, so
// the change commits or rolls back with the caller's other writes.
func (l *Ledger) ApplyAdjust(ctx context.Context, ops store.Ops, req AdjustRequest) (*models.StockMovement, error) {
	if err := l.fields.Struct(req); err != nil {
		return nil, apperr.New(apperr.KindInvalidCartStructure, validation.Message(err))
	}

	movementType, quantity := models.MovementIn, req.Delta
	if req.Delta < 0 {
		movementType, quantity = models.MovementOut, -req.Delta
	}

	movement, err := ApplyMovement(ctx, ops, MovementRequest{
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		Type:        movementType,
		Reason:      req.Reason,
		Quantity:    quantity,
		Note:        req.Note,
	})
	if err != nil {
		return nil, l.mapAdjustError(req, err)
	}
	return movement, nil
}

func (l *Ledger) mapAdjustError(req AdjustRequest, err error) error {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return apperr.InsufficientStock(apperr.NoLine, req.ProductID, req.VariationID, rejected.Available, rejected.Requested)
	case errors.Is(err, database.ErrProductNotFound):
		return apperr.ProductNotFound(apperr.NoLine, req.ProductID)
	case errors.Is(err, database.ErrVariationNotFound) && req.VariationID != nil:
		return apperr.VariationNotFound(apperr.NoLine, req.ProductID, *req.VariationID)
	}
	return apperr.FromStorage(err)
}

// CheckDrift compares the catalog counter with the newest ledger entry. A
// unit with stock but no ledger history counts as drift.
func (l *Ledger) CheckDrift(ctx context.Context, productID int64, variationID *int64) (*DriftReport, error) {
	current, err := l.CurrentStock(ctx, productID, variationID)
	if err != nil {
		return nil, err
	}

	latest, err := l.store.LatestStockMovement(ctx, productID, variationID)
	if err != nil {
		return nil, apperr.FromStorage(err)
	}

	report := &DriftReport{ProductID: productID, VariationID: variationID, CatalogStock: current}
	if latest == nil {
		report.Drift = current != 0
	} else {
		ledgerStock, movementID := latest.NewStock, latest.ID
		report.LedgerStock = &ledgerStock
		report.LastMovementID = &movementID
		report.Drift = ledgerStock != current
	}

	if report.Drift {
		l.log.Warn("Stock drift detected",
			zap.Int64("product_id", productID),
			zap.Int64p("variation_id", variationID),
			zap.Int("catalog_stock", current),
			zap.Intp("ledger_stock", report.LedgerStock),
		)
	}
	return report, nil
}

func (l *Ledger) LowStock(ctx context.Context, limit int) ([]store.LowStockItem, error) {
	items, err := l.store.ListLowStock(ctx, limit)
	if err != nil {
		return nil, apperr.FromStorage(err)
	}
	return items, nil
}
