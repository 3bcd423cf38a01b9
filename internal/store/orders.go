package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
)

const idempotencyKeyConstraint = "orders_idempotency_key_key"

const orderColumns = `id, order_number, access_token, idempotency_key, customer_name, customer_email,
		customer_phone, customer_address, subtotal, tax, total, payment_method, status,
		payment_id, payment_status, payment_updated_at, notes, created_at, updated_at, version`

const orderItemColumns = `id, order_id, product_id, variation_id, sku, name, image_url, unit_price,
		quantity, subtotal, created_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var (
		idempotencyKey   sql.NullString
		paymentID        sql.NullString
		paymentStatus    sql.NullString
		paymentUpdatedAt sql.NullTime
	)

	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.AccessToken,
		&idempotencyKey,
		&order.Customer.Name,
		&order.Customer.Email,
		&order.Customer.Phone,
		&order.Customer.Address,
		&order.Subtotal,
		&order.Tax,
		&order.Total,
		&order.PaymentMethod,
		&order.Status,
		&paymentID,
		&paymentStatus,
		&paymentUpdatedAt,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	order.IdempotencyKey = stringPtr(idempotencyKey)
	order.Payment.PaymentID = paymentID.String
	order.Payment.Status = paymentStatus.String
	if paymentUpdatedAt.Valid {
		t := paymentUpdatedAt.Time
		order.Payment.UpdatedAt = &t
	}
	return order, nil
}

// PersistOrder inserts the order and its item snapshots, filling in the
// generated ids and timestamps. A reused idempotency key yields
// database.ErrDuplicateIdempotencyKey.
func (s queries) PersistOrder(ctx context.Context, order *models.Order) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO orders (order_number, access_token, idempotency_key, customer_name,
			customer_email, customer_phone, customer_address, subtotal, tax, total,
			payment_method, status, notes, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		order.OrderNumber,
		order.AccessToken,
		nullableString(order.IdempotencyKey),
		order.Customer.Name,
		order.Customer.Email,
		order.Customer.Phone,
		order.Customer.Address,
		order.Subtotal,
		order.Tax,
		order.Total,
		order.PaymentMethod,
		order.Status,
		order.Notes,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		if database.IsUniqueViolation(err, idempotencyKeyConstraint) {
			return database.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("create order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID

		err := s.q.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, variation_id, sku, name, image_url,
				unit_price, quantity, subtotal, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			 RETURNING id, created_at`,
			item.OrderID,
			item.ProductID,
			nullableInt64(item.VariationID),
			item.SKU,
			item.Name,
			item.ImageURL,
			item.UnitPrice,
			item.Quantity,
			item.Subtotal,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}

	return nil
}

func (s queries) getOrderWhere(ctx context.Context, clause string, arg interface{}) (*models.Order, error) {
	order, err := scanOrder(s.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+clause, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s queries) loadItems(ctx context.Context, order *models.Order) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = $1 ORDER BY id`,
		order.ID)
	if err != nil {
		return fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var variationID sql.NullInt64
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&variationID,
			&item.SKU,
			&item.Name,
			&item.ImageURL,
			&item.UnitPrice,
			&item.Quantity,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		item.VariationID = int64Ptr(variationID)
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

func (s queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrderWhere(ctx, "id = $1", id)
}

func (s queries) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "access_token = $1", token)
}

func (s queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "idempotency_key = $1", key)
}

// FindOrderByExternalRef resolves the external reference a payment
// provider echoes back, which is the order id in decimal.
func (s queries) FindOrderByExternalRef(ctx context.Context, ref string) (*models.Order, error) {
	id, ok := ParseExternalRef(ref)
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

// LockOrder reads the order with SELECT ... FOR UPDATE. It must run inside
// a transaction for the lock to outlive the call.
func (s queries) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrderWhere(ctx, "id = $1 FOR UPDATE", id)
}

// UpdateOrderStatus applies the update only if the order is still in
// update.From and reports whether a row matched.
func (s queries) UpdateOrderStatus(ctx context.Context, update StatusUpdate) (bool, error) {
	var paymentID, paymentStatus, paymentUpdatedAt interface{}
	if update.Payment != nil {
		paymentID = update.Payment.PaymentID
		paymentStatus = update.Payment.Status
		if update.Payment.UpdatedAt != nil {
			paymentUpdatedAt = *update.Payment.UpdatedAt
		} else {
			paymentUpdatedAt = time.Now().UTC()
		}
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     payment_id = COALESCE($2, payment_id),
		     payment_status = COALESCE($3, payment_status),
		     payment_updated_at = COALESCE($4, payment_updated_at),
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		update.To, paymentID, paymentStatus, paymentUpdatedAt, update.OrderID, update.From)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ParseExternalRef parses a positive decimal order id.
func ParseExternalRef(ref string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
