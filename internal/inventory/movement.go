// Package inventory owns the stock ledger and the single guarded primitive
// through which every stock change flows.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
)

var ErrGuardRejected = errors.New("stock guard rejected adjustment")

// RejectedError is returned by ApplyMovement when the conditional update did
// not match because stock would have gone negative.
type RejectedError struct {
	ProductID   int64
	VariationID *int64
	Available   int
	Requested   int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: product %d: requested %d, available %d",
		ErrGuardRejected, e.ProductID, e.Requested, e.Available)
}

func (e *RejectedError) Is(target error) bool { return target == ErrGuardRejected }

type MovementRequest struct {
	ProductID   int64
	VariationID *int64
	Type        string
	Reason      string
	Quantity    int
	OrderToken  *string
	Note        string
}

// ApplyMovement adjusts stock through the conditional primitive and records
// the ledger entry with the values the adjustment observed. It must run
// inside the caller's transaction so that both writes commit together.
func ApplyMovement(ctx context.Context, ops store.Ops, req MovementRequest) (*models.StockMovement, error) {
	if err := checkKind(req.Type, req.Reason, req.Quantity); err != nil {
		return nil, err
	}

	delta := req.Quantity
	if req.Type == models.MovementOut {
		delta = -req.Quantity
	}

	res, err := ops.ConditionalAdjustStock(ctx, store.StockAdjustment{
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		Delta:       delta,
	})
	if err != nil {
		return nil, err
	}
	if !res.Matched {
		return nil, &RejectedError{
			ProductID:   req.ProductID,
			VariationID: req.VariationID,
			Available:   res.Previous,
			Requested:   req.Quantity,
		}
	}

	movement := &models.StockMovement{
		ProductID:     req.ProductID,
		VariationID:   req.VariationID,
		Type:          req.Type,
		Reason:        req.Reason,
		Quantity:      req.Quantity,
		PreviousStock: res.Previous,
		NewStock:      res.New,
		OrderToken:    req.OrderToken,
		Note:          req.Note,
	}
	if err := checkMovement(movement); err != nil {
		return nil, err
	}
	if err := ops.AppendStockMovement(ctx, movement); err != nil {
		return nil, err
	}

	return movement, nil
}

func checkKind(movementType, reason string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("movement: quantity must be positive, got %d", quantity)
	}
	if movementType != models.MovementIn && movementType != models.MovementOut {
		return fmt.Errorf("movement: unknown type %q", movementType)
	}
	if !models.IsValidReason(reason) {
		return fmt.Errorf("movement: unknown reason %q", reason)
	}
	return nil
}

// checkMovement rejects ledger rows that no stock change could have
// produced. Every write path runs it before the row is stored.
func checkMovement(m *models.StockMovement) error {
	if err := checkKind(m.Type, m.Reason, m.Quantity); err != nil {
		return err
	}
	if m.PreviousStock < 0 || m.NewStock < 0 {
		return fmt.Errorf("movement: stock must not be negative, got %d -> %d", m.PreviousStock, m.NewStock)
	}
	if !m.Consistent() {
		return fmt.Errorf("movement: new stock %d does not equal %d %+d",
			m.NewStock, m.PreviousStock, m.SignedQuantity())
	}
	return nil
}
