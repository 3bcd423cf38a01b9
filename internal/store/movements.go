package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/storefront-core/internal/models"
)

const movementColumns = `id, product_id, variation_id, type, reason, quantity, previous_stock,
		new_stock, order_token, note, created_at`

func scanMovement(row rowScanner) (*models.StockMovement, error) {
	m := &models.StockMovement{}
	var variationID sql.NullInt64
	var orderToken sql.NullString

	err := row.Scan(
		&m.ID,
		&m.ProductID,
		&variationID,
		&m.Type,
		&m.Reason,
		&m.Quantity,
		&m.PreviousStock,
		&m.NewStock,
		&orderToken,
		&m.Note,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.VariationID = int64Ptr(variationID)
	m.OrderToken = stringPtr(orderToken)
	return m, nil
}

// AppendStockMovement inserts a ledger row. Rows are never updated or
// deleted; the schema rejects both. created_at is the wall clock at insert,
// not the transaction start, so rows from one transaction stay distinct.
func (s queries) AppendStockMovement(ctx context.Context, m *models.StockMovement) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO stock_movements (product_id, variation_id, type, reason, quantity,
			previous_stock, new_stock, order_token, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, clock_timestamp())
		 RETURNING id, created_at`,
		m.ProductID,
		nullableInt64(m.VariationID),
		m.Type,
		m.Reason,
		m.Quantity,
		m.PreviousStock,
		m.NewStock,
		nullableString(m.OrderToken),
		m.Note,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append stock movement: %w", err)
	}
	return nil
}

// QueryStockMovements pages through the ledger newest first using a keyset
// cursor on (created_at, id).
func (s queries) QueryStockMovements(ctx context.Context, filter MovementFilter, cursor string, limit int) (*CursorPage[models.StockMovement], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = NormalizeLimit(limit)

	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.ProductID != nil {
		add("product_id = $%d", *filter.ProductID)
	}
	if filter.VariationID != nil {
		add("variation_id = $%d", *filter.VariationID)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Reason != "" {
		add("reason = $%d", filter.Reason)
	}
	if filter.OrderToken != "" {
		add("order_token = $%d", filter.OrderToken)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + movementColumns + ` FROM stock_movements`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stock movements: %w", err)
	}
	defer rows.Close()

	var movements []models.StockMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		movements = append(movements, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewCursorPage(movements, limit, movementCursor), nil
}

func movementCursor(m models.StockMovement) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// LatestStockMovement returns the newest ledger row for a sellable unit, or
// nil when it has none. Newest means last inserted: a unit's rows are
// written under its row lock, so id order is commit order and timestamps
// taken by overlapping transactions are not.
func (s queries) LatestStockMovement(ctx context.Context, productID int64, variationID *int64) (*models.StockMovement, error) {
	m, err := scanMovement(s.q.QueryRowContext(ctx,
		`SELECT `+movementColumns+`
		 FROM stock_movements
		 WHERE product_id = $1 AND variation_id IS NOT DISTINCT FROM $2
		 ORDER BY id DESC
		 LIMIT 1`,
		productID, nullableInt64(variationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest stock movement: %w", err)
	}
	return m, nil
}
