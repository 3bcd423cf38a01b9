package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	CategoryID    *int64          `json:"category_id,omitempty"`
	SKU           string          `json:"sku,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	HasVariations bool            `json:"has_variations"`
	Price         decimal.Decimal `json:"price"`
	Stock         int             `json:"stock"`
	StockMinimum  int             `json:"stock_minimum"`
	Active        bool            `json:"active"`
	Variations    []Variation     `json:"variations,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

// FindVariation returns the variation with the given id, or nil.
func (p *Product) FindVariation(id int64) *Variation {
	for i := range p.Variations {
		if p.Variations[i].ID == id {
			return &p.Variations[i]
		}
	}
	return nil
}

type Variation struct {
	ID           int64           `json:"id"`
	ProductID    int64           `json:"product_id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	ImageURL     string          `json:"image_url,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Stock        int             `json:"stock"`
	StockMinimum int             `json:"stock_minimum"`
	Attributes   Attributes      `json:"attributes"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int             `json:"version"`
}

type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attributes is stored as a JSONB array.
type Attributes []Attribute

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attributes) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = Attributes{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan attributes: unsupported type %T", src)
	}
	return json.Unmarshal(data, a)
}

type Customer struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type PaymentDetails struct {
	PaymentID string     `json:"payment_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Order struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	AccessToken    string          `json:"access_token"`
	IdempotencyKey *string         `json:"-"`
	Customer       Customer        `json:"customer"`
	Items          []OrderItem     `json:"items,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  string          `json:"payment_method"`
	Status         string          `json:"status"`
	Payment        PaymentDetails  `json:"payment"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
}

// OrderItem is a snapshot of the catalog line at order creation. It is
// never rewritten when the product or variation changes later.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	VariationID *int64          `json:"variation_id,omitempty"`
	SKU         string          `json:"sku,omitempty"`
	Name        string          `json:"name"`
	ImageURL    string          `json:"image_url,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	CreatedAt   time.Time       `json:"created_at"`
}

type StockMovement struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	VariationID   *int64    `json:"variation_id,omitempty"`
	Type          string    `json:"type"`
	Reason        string    `json:"reason"`
	Quantity      int       `json:"quantity"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	OrderToken    *string   `json:"order_token,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (m StockMovement) SignedQuantity() int {
	if m.Type == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}

// Consistent reports whether the recorded stock values agree with the
// movement's direction and quantity.
func (m StockMovement) Consistent() bool {
	return m.Quantity > 0 && m.NewStock == m.PreviousStock+m.SignedQuantity()
}

const (
	OrderStatusPending       = "pending"
	OrderStatusProcessing    = "processing"
	OrderStatusCompleted     = "completed"
	OrderStatusCancelled     = "cancelled"
	OrderStatusPaymentFailed = "payment_failed"
)

func IsTerminalStatus(status string) bool {
	return status == OrderStatusCompleted || status == OrderStatusCancelled
}

func IsValidStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	}
	return false
}

const (
	MovementIn  = "IN"
	MovementOut = "OUT"
)

const (
	ReasonSale       = "SALE"
	ReasonManual     = "MANUAL"
	ReasonAdjustment = "ADJUSTMENT"
	ReasonInitial    = "INITIAL"
)

func IsValidReason(reason string) bool {
	switch reason {
	case ReasonSale, ReasonManual, ReasonAdjustment, ReasonInitial:
		return true
	}
	return false
}

const (
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
	PaymentMethodCash     = "cash"
)
