package memory

import (
	"context"
	"fmt"

	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
)

func (st *state) clone() *state {
	out := &state{
		products:        make(map[int64]*models.Product, len(st.products)),
		variations:      make(map[int64]*models.Variation, len(st.variations)),
		orders:          make(map[int64]*models.Order, len(st.orders)),
		movements:       make([]models.StockMovement, len(st.movements)),
		nextProductID:   st.nextProductID,
		nextVariationID: st.nextVariationID,
		nextOrderID:     st.nextOrderID,
		nextItemID:      st.nextItemID,
		nextMovementID:  st.nextMovementID,
	}
	for id, p := range st.products {
		product := *p
		out.products[id] = &product
	}
	for id, v := range st.variations {
		variation := cloneVariation(v)
		out.variations[id] = &variation
	}
	for id, o := range st.orders {
		out.orders[id] = cloneOrder(o)
	}
	for i, m := range st.movements {
		out.movements[i] = cloneMovement(m)
	}
	return out
}

func cloneVariation(v *models.Variation) models.Variation {
	out := *v
	if v.Attributes != nil {
		out.Attributes = append(models.Attributes(nil), v.Attributes...)
	}
	return out
}

func cloneOrder(o *models.Order) *models.Order {
	out := *o
	if o.IdempotencyKey != nil {
		key := *o.IdempotencyKey
		out.IdempotencyKey = &key
	}
	if o.Payment.UpdatedAt != nil {
		t := *o.Payment.UpdatedAt
		out.Payment.UpdatedAt = &t
	}
	out.Items = make([]models.OrderItem, len(o.Items))
	for i, item := range o.Items {
		if item.VariationID != nil {
			id := *item.VariationID
			item.VariationID = &id
		}
		out.Items[i] = item
	}
	return &out
}

func cloneMovement(m models.StockMovement) models.StockMovement {
	if m.VariationID != nil {
		id := *m.VariationID
		m.VariationID = &id
	}
	if m.OrderToken != nil {
		token := *m.OrderToken
		m.OrderToken = &token
	}
	return m
}

// Seed stores a product and its variations as given, stock included,
// without writing ledger entries. It returns the product with ids set.
func (s *Store) Seed(product models.Product) *models.Product {
	ctx := context.Background()
	variations := product.Variations
	product.Variations = nil
	product.HasVariations = product.HasVariations || len(variations) > 0

	if err := s.CreateProduct(ctx, &product); err != nil {
		panic(fmt.Sprintf("memory: seed product: %v", err))
	}
	for _, variation := range variations {
		variation.ProductID = product.ID
		if err := s.CreateVariation(ctx, &variation); err != nil {
			panic(fmt.Sprintf("memory: seed variation: %v", err))
		}
		product.Variations = append(product.Variations, variation)
	}
	return &product
}

// UpdateVariation edits a variation in place, as an administrator would.
func (s *Store) UpdateVariation(id int64, fn func(*models.Variation)) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	variation, ok := s.data.variations[id]
	if !ok {
		return database.ErrVariationNotFound
	}
	fn(variation)
	variation.Version++
	variation.UpdatedAt = s.now()
	return nil
}

// UpdateProduct edits a product in place. Variations cannot be changed
// through it.
func (s *Store) UpdateProduct(id int64, fn func(*models.Product)) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.data.products[id]
	if !ok {
		return database.ErrProductNotFound
	}
	fn(product)
	product.Variations = nil
	product.Version++
	product.UpdatedAt = s.now()
	return nil
}

// Movements returns every ledger entry in insertion order.
func (s *Store) Movements() []models.StockMovement {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StockMovement, len(s.data.movements))
	for i, m := range s.data.movements {
		out[i] = cloneMovement(m)
	}
	return out
}
