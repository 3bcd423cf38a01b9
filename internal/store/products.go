package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/models"
)

const productColumns = `id, name, category_id, sku, image_url, has_variations, price, stock,
		stock_minimum, active, created_at, updated_at, version`

const variationColumns = `id, product_id, sku, name, image_url, price, stock, stock_minimum,
		attributes, active, created_at, updated_at, version`

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	var categoryID sql.NullInt64

	err := row.Scan(
		&product.ID,
		&product.Name,
		&categoryID,
		&product.SKU,
		&product.ImageURL,
		&product.HasVariations,
		&product.Price,
		&product.Stock,
		&product.StockMinimum,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}
	product.CategoryID = int64Ptr(categoryID)
	return product, nil
}

func scanVariation(row rowScanner) (*models.Variation, error) {
	variation := &models.Variation{}

	err := row.Scan(
		&variation.ID,
		&variation.ProductID,
		&variation.SKU,
		&variation.Name,
		&variation.ImageURL,
		&variation.Price,
		&variation.Stock,
		&variation.StockMinimum,
		&variation.Attributes,
		&variation.Active,
		&variation.CreatedAt,
		&variation.UpdatedAt,
		&variation.Version,
	)
	if err != nil {
		return nil, err
	}
	return variation, nil
}

// GetProductWithVariations loads a product and all of its variations,
// active or not.
func (s queries) GetProductWithVariations(ctx context.Context, productID int64) (*models.Product, error) {
	product, err := scanProduct(s.q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+variationColumns+` FROM product_variations WHERE product_id = $1 ORDER BY id`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("list variations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		variation, err := scanVariation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variation: %w", err)
		}
		product.Variations = append(product.Variations, *variation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return product, nil
}

// ConditionalAdjustStock applies the delta in a single guarded UPDATE. The
// guard lives in the WHERE clause, so two concurrent decrements of the last
// unit cannot both match.
func (s queries) ConditionalAdjustStock(ctx context.Context, adj StockAdjustment) (StockAdjustmentResult, error) {
	var row *sql.Row
	if adj.VariationID != nil {
		row = s.q.QueryRowContext(ctx,
			`UPDATE product_variations
			 SET stock = stock + $1, version = version + 1, updated_at = NOW()
			 WHERE id = $2 AND product_id = $3 AND stock + $1 >= 0
			 RETURNING stock`,
			adj.Delta, *adj.VariationID, adj.ProductID)
	} else {
		row = s.q.QueryRowContext(ctx,
			`UPDATE products
			 SET stock = stock + $1, version = version + 1, updated_at = NOW()
			 WHERE id = $2 AND has_variations = FALSE AND stock + $1 >= 0
			 RETURNING stock`,
			adj.Delta, adj.ProductID)
	}

	var newStock int
	err := row.Scan(&newStock)
	if err == nil {
		return StockAdjustmentResult{Matched: true, Previous: newStock - adj.Delta, New: newStock}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StockAdjustmentResult{}, fmt.Errorf("adjust stock: %w", err)
	}

	current, err := s.currentStock(ctx, adj.ProductID, adj.VariationID)
	if err != nil {
		return StockAdjustmentResult{}, err
	}
	return StockAdjustmentResult{Matched: false, Previous: current, New: current}, nil
}

// currentStock reads the stock counter after a rejected adjustment so the
// caller can report availability. It never writes.
func (s queries) currentStock(ctx context.Context, productID int64, variationID *int64) (int, error) {
	var stock int
	var err error
	if variationID != nil {
		err = s.q.QueryRowContext(ctx,
			`SELECT stock FROM product_variations WHERE id = $1 AND product_id = $2`,
			*variationID, productID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrVariationNotFound
		}
	} else {
		err = s.q.QueryRowContext(ctx,
			`SELECT stock FROM products WHERE id = $1 AND has_variations = FALSE`,
			productID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrProductNotFound
		}
	}
	if err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	return stock, nil
}

func (s queries) CreateProduct(ctx context.Context, product *models.Product) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO products (name, category_id, sku, image_url, has_variations, price, stock,
			stock_minimum, active, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		product.Name,
		nullableInt64(product.CategoryID),
		product.SKU,
		product.ImageURL,
		product.HasVariations,
		product.Price,
		product.Stock,
		product.StockMinimum,
		product.Active,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt, &product.Version)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

func (s queries) CreateVariation(ctx context.Context, variation *models.Variation) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO product_variations (product_id, sku, name, image_url, price, stock,
			stock_minimum, attributes, active, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		variation.ProductID,
		variation.SKU,
		variation.Name,
		variation.ImageURL,
		variation.Price,
		variation.Stock,
		variation.StockMinimum,
		variation.Attributes,
		variation.Active,
	).Scan(&variation.ID, &variation.CreatedAt, &variation.UpdatedAt, &variation.Version)
	if err != nil {
		return fmt.Errorf("create variation: %w", err)
	}
	return nil
}

// ListLowStock returns active sellable units at or below their minimum,
// lowest stock first.
func (s queries) ListLowStock(ctx context.Context, limit int) ([]LowStockItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT p.id, v.id, v.sku, p.name || ' - ' || v.name, v.stock, v.stock_minimum
		 FROM product_variations v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.active AND v.active AND v.stock <= v.stock_minimum
		 UNION ALL
		 SELECT p.id, NULL::BIGINT, p.sku, p.name, p.stock, p.stock_minimum
		 FROM products p
		 WHERE p.active AND NOT p.has_variations AND p.stock <= p.stock_minimum
		 ORDER BY 5, 1, 2
		 LIMIT $1`,
		NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	defer rows.Close()

	items := []LowStockItem{}
	for rows.Next() {
		var item LowStockItem
		var variationID sql.NullInt64
		if err := rows.Scan(&item.ProductID, &variationID, &item.SKU, &item.Name, &item.Stock, &item.StockMinimum); err != nil {
			return nil, fmt.Errorf("scan low stock: %w", err)
		}
		item.VariationID = int64Ptr(variationID)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
