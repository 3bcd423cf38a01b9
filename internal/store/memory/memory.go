// Package memory is an in-process implementation of store.Store. It backs
// the service tests and the "memory" store driver.
//
// Transactions are fully serialized: InTx holds an exclusive lock for the
// duration of fn, and operations called outside a transaction wait for it.
// A failed transaction restores the state captured when it began.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
)

type Store struct {
	view

	txMu sync.Mutex
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

type state struct {
	products   map[int64]*models.Product
	variations map[int64]*models.Variation
	orders     map[int64]*models.Order
	movements  []models.StockMovement

	nextProductID   int64
	nextVariationID int64
	nextOrderID     int64
	nextItemID      int64
	nextMovementID  int64
}

func New() *Store {
	s := &Store{
		data: &state{
			products:   make(map[int64]*models.Product),
			variations: make(map[int64]*models.Variation),
			orders:     make(map[int64]*models.Order),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	s.view = view{s: s}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(store.Ops) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(view{s: s, inTx: true}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// view implements store.Ops. Outside a transaction every call takes the
// transaction lock so it never observes uncommitted state.
type view struct {
	s    *Store
	inTx bool
}

func (v view) begin(ctx context.Context) (*state, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !v.inTx {
		v.s.txMu.Lock()
	}
	v.s.mu.Lock()
	return v.s.data, func() {
		v.s.mu.Unlock()
		if !v.inTx {
			v.s.txMu.Unlock()
		}
	}, nil
}

func (v view) GetProductWithVariations(ctx context.Context, productID int64) (*models.Product, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	return st.productWithVariations(productID)
}

func (st *state) productWithVariations(productID int64) (*models.Product, error) {
	p, ok := st.products[productID]
	if !ok {
		return nil, database.ErrProductNotFound
	}

	product := *p
	product.Variations = nil
	for _, id := range st.variationIDs(productID) {
		product.Variations = append(product.Variations, cloneVariation(st.variations[id]))
	}
	return &product, nil
}

func (st *state) variationIDs(productID int64) []int64 {
	var ids []int64
	for id, variation := range st.variations {
		if variation.ProductID == productID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (v view) ConditionalAdjustStock(ctx context.Context, adj store.StockAdjustment) (store.StockAdjustmentResult, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return store.StockAdjustmentResult{}, err
	}
	defer done()

	var stock *int
	var version *int
	var updatedAt *time.Time
	if adj.VariationID != nil {
		variation, ok := st.variations[*adj.VariationID]
		if !ok || variation.ProductID != adj.ProductID {
			return store.StockAdjustmentResult{}, database.ErrVariationNotFound
		}
		stock, version, updatedAt = &variation.Stock, &variation.Version, &variation.UpdatedAt
	} else {
		product, ok := st.products[adj.ProductID]
		if !ok || product.HasVariations {
			return store.StockAdjustmentResult{}, database.ErrProductNotFound
		}
		stock, version, updatedAt = &product.Stock, &product.Version, &product.UpdatedAt
	}

	previous := *stock
	if previous+adj.Delta < 0 {
		return store.StockAdjustmentResult{Matched: false, Previous: previous, New: previous}, nil
	}

	*stock = previous + adj.Delta
	*version++
	*updatedAt = v.s.now()
	return store.StockAdjustmentResult{Matched: true, Previous: previous, New: *stock}, nil
}

func (v view) CreateProduct(ctx context.Context, product *models.Product) error {
	st, done, err := v.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if product.SKU != "" {
		for _, existing := range st.products {
			if existing.SKU == product.SKU {
				return fmt.Errorf("create product: sku %q already exists", product.SKU)
			}
		}
	}

	st.nextProductID++
	now := v.s.now()
	product.ID = st.nextProductID
	product.CreatedAt, product.UpdatedAt, product.Version = now, now, 1

	stored := *product
	stored.Variations = nil
	st.products[stored.ID] = &stored
	return nil
}

func (v view) CreateVariation(ctx context.Context, variation *models.Variation) error {
	st, done, err := v.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if _, ok := st.products[variation.ProductID]; !ok {
		return fmt.Errorf("create variation: %w", database.ErrProductNotFound)
	}
	for _, existing := range st.variations {
		if existing.SKU == variation.SKU {
			return fmt.Errorf("create variation: sku %q already exists", variation.SKU)
		}
	}

	st.nextVariationID++
	now := v.s.now()
	variation.ID = st.nextVariationID
	variation.CreatedAt, variation.UpdatedAt, variation.Version = now, now, 1

	stored := cloneVariation(variation)
	st.variations[stored.ID] = &stored
	return nil
}

func (v view) ListLowStock(ctx context.Context, limit int) ([]store.LowStockItem, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	items := []store.LowStockItem{}
	for _, p := range st.products {
		if !p.Active {
			continue
		}
		if !p.HasVariations {
			if p.Stock <= p.StockMinimum {
				items = append(items, store.LowStockItem{
					ProductID: p.ID, SKU: p.SKU, Name: p.Name, Stock: p.Stock, StockMinimum: p.StockMinimum,
				})
			}
			continue
		}
		for _, id := range st.variationIDs(p.ID) {
			variation := st.variations[id]
			if variation.Active && variation.Stock <= variation.StockMinimum {
				variationID := variation.ID
				items = append(items, store.LowStockItem{
					ProductID:    p.ID,
					VariationID:  &variationID,
					SKU:          variation.SKU,
					Name:         p.Name + " - " + variation.Name,
					Stock:        variation.Stock,
					StockMinimum: variation.StockMinimum,
				})
			}
		}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Stock != b.Stock {
			return a.Stock < b.Stock
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.VariationID == nil || b.VariationID == nil {
			return b.VariationID == nil && a.VariationID != nil
		}
		return *a.VariationID < *b.VariationID
	})

	if limit = store.NormalizeLimit(limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (v view) PersistOrder(ctx context.Context, order *models.Order) error {
	st, done, err := v.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	for _, existing := range st.orders {
		if order.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			*existing.IdempotencyKey == *order.IdempotencyKey {
			return database.ErrDuplicateIdempotencyKey
		}
		if existing.OrderNumber == order.OrderNumber {
			return fmt.Errorf("create order: order number %q already exists", order.OrderNumber)
		}
		if existing.AccessToken == order.AccessToken {
			return fmt.Errorf("create order: access token already exists")
		}
	}

	now := v.s.now()
	st.nextOrderID++
	order.ID = st.nextOrderID
	order.CreatedAt, order.UpdatedAt, order.Version = now, now, 1
	for i := range order.Items {
		st.nextItemID++
		order.Items[i].ID = st.nextItemID
		order.Items[i].OrderID = order.ID
		order.Items[i].CreatedAt = now
	}

	st.orders[order.ID] = cloneOrder(order)
	return nil
}

func (v view) findOrder(ctx context.Context, match func(*models.Order) bool) (*models.Order, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	for _, order := range st.orders {
		if match(order) {
			return cloneOrder(order), nil
		}
	}
	return nil, database.ErrOrderNotFound
}

func (v view) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return v.findOrder(ctx, func(o *models.Order) bool { return o.ID == id })
}

func (v view) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	return v.findOrder(ctx, func(o *models.Order) bool { return o.AccessToken == token })
}

func (v view) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return v.findOrder(ctx, func(o *models.Order) bool {
		return o.IdempotencyKey != nil && *o.IdempotencyKey == key
	})
}

func (v view) FindOrderByExternalRef(ctx context.Context, ref string) (*models.Order, error) {
	id, ok := store.ParseExternalRef(ref)
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return v.GetOrder(ctx, id)
}

// LockOrder is GetOrder: transactions are already exclusive.
func (v view) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return v.GetOrder(ctx, id)
}

func (v view) UpdateOrderStatus(ctx context.Context, update store.StatusUpdate) (bool, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	order, ok := st.orders[update.OrderID]
	if !ok || order.Status != update.From {
		return false, nil
	}

	now := v.s.now()
	order.Status = update.To
	if update.Payment != nil {
		order.Payment.PaymentID = update.Payment.PaymentID
		order.Payment.Status = update.Payment.Status
		updatedAt := now
		if update.Payment.UpdatedAt != nil {
			updatedAt = *update.Payment.UpdatedAt
		}
		order.Payment.UpdatedAt = &updatedAt
	}
	order.Version++
	order.UpdatedAt = now
	return true, nil
}

func (v view) AppendStockMovement(ctx context.Context, m *models.StockMovement) error {
	st, done, err := v.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if !m.Consistent() {
		return fmt.Errorf("append stock movement: inconsistent movement %d%+d != %d",
			m.PreviousStock, m.SignedQuantity(), m.NewStock)
	}

	st.nextMovementID++
	m.ID = st.nextMovementID
	m.CreatedAt = v.s.now()
	st.movements = append(st.movements, cloneMovement(*m))
	return nil
}

func (v view) QueryStockMovements(ctx context.Context, filter store.MovementFilter, cursor string, limit int) (*store.CursorPage[models.StockMovement], error) {
	after, err := store.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.NormalizeLimit(limit)

	st, done, err := v.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var rows []models.StockMovement
	for i := len(st.movements) - 1; i >= 0; i-- {
		m := st.movements[i]
		if !matches(filter, m) {
			continue
		}
		if after != nil && !after.Before(m.CreatedAt, m.ID) {
			continue
		}
		rows = append(rows, cloneMovement(m))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}

	return store.NewCursorPage(rows, limit, func(m models.StockMovement) store.Cursor {
		return store.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	}), nil
}

func matches(f store.MovementFilter, m models.StockMovement) bool {
	switch {
	case f.ProductID != nil && m.ProductID != *f.ProductID:
		return false
	case f.VariationID != nil && (m.VariationID == nil || *m.VariationID != *f.VariationID):
		return false
	case f.Type != "" && m.Type != f.Type:
		return false
	case f.Reason != "" && m.Reason != f.Reason:
		return false
	case f.OrderToken != "" && (m.OrderToken == nil || *m.OrderToken != f.OrderToken):
		return false
	case f.From != nil && m.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && !m.CreatedAt.Before(*f.To):
		return false
	}
	return true
}

func (v view) LatestStockMovement(ctx context.Context, productID int64, variationID *int64) (*models.StockMovement, error) {
	st, done, err := v.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	for i := len(st.movements) - 1; i >= 0; i-- {
		m := st.movements[i]
		if m.ProductID != productID || !sameVariation(m.VariationID, variationID) {
			continue
		}
		latest := cloneMovement(m)
		return &latest, nil
	}
	return nil, nil
}

func sameVariation(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
