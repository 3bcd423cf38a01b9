package inventory

import (
	"context"
	"errors"
	"sort"

	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
)

// RestoreOrderStock puts back the stock an order took, writing one
// ADJUSTMENT/IN movement per item. Items whose product or variation no
// longer exists are skipped and returned so the caller can report them.
func RestoreOrderStock(ctx context.Context, ops store.Ops, order *models.Order) ([]models.StockMovement, []models.OrderItem, error) {
	items := append([]models.OrderItem(nil), order.Items...)
	SortByUnit(items, func(item models.OrderItem) (int64, *int64) { return item.ProductID, item.VariationID })

	token := order.AccessToken
	var restored []models.StockMovement
	var skipped []models.OrderItem
	for _, item := range items {
		movement, err := ApplyMovement(ctx, ops, MovementRequest{
			ProductID:   item.ProductID,
			VariationID: item.VariationID,
			Type:        models.MovementIn,
			Reason:      models.ReasonAdjustment,
			Quantity:    item.Quantity,
			OrderToken:  &token,
			Note:        "restock for order " + order.OrderNumber,
		})
		if err != nil {
			if errors.Is(err, database.ErrProductNotFound) || errors.Is(err, database.ErrVariationNotFound) {
				skipped = append(skipped, item)
				continue
			}
			return nil, nil, err
		}
		restored = append(restored, *movement)
	}

	return restored, skipped, nil
}

// SortByUnit orders items by (product, variation) so that concurrent
// transactions touch stock rows in the same order. Products without a
// variation sort first. The sort is stable.
func SortByUnit[T any](items []T, unit func(T) (int64, *int64)) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, vi := unit(items[i])
		pj, vj := unit(items[j])
		if pi != pj {
			return pi < pj
		}
		if vi == nil || vj == nil {
			return vi == nil && vj != nil
		}
		return *vi < *vj
	})
}
