package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/config"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/store"
	"github.com/safar/storefront-core/internal/telemetry"
	"github.com/safar/storefront-core/internal/validation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Service struct {
	store     store.Store
	validator *Validator
	log       *zap.Logger
	timeout   time.Duration

	tracer        trace.Tracer
	ordersCreated metric.Int64Counter
	failures      metric.Int64Counter

	now      func() time.Time
	newToken func() string
}

func NewService(s store.Store, cfg config.CheckoutConfig, log *zap.Logger) *Service {
	meter := telemetry.Meter("checkout")
	return &Service{
		store:         s,
		validator:     NewValidator(s, cfg.TaxRate, cfg.CurrencyScale),
		log:           log.Named("checkout"),
		timeout:       cfg.Timeout,
		tracer:        otel.Tracer("storefront-core/checkout"),
		ordersCreated: telemetry.Counter(meter, "orders_created_total", "Orders committed"),
		failures:      telemetry.Counter(meter, "checkout_failures_total", "Failed cart validations and order attempts"),
		now:           func() time.Time { return time.Now().UTC() },
		newToken:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// CreateOrderRequest carries the order-level fields. Lines are checked one
// by one by the cart validator so failures can name the offending line.
type CreateOrderRequest struct {
	Customer       models.Customer   `json:"customer"`
	Lines          []CartLineRequest `json:"-"`
	PaymentMethod  string            `json:"payment_method" validate:"required,oneof=card transfer cash"`
	Notes          string            `json:"notes"`
	ClientTotal    *decimal.Decimal  `json:"-"`
	IdempotencyKey string            `json:"-"`
}

type OrderSummary struct {
	OrderNumber   string          `json:"order_number"`
	Status        string          `json:"status"`
	CustomerName  string          `json:"customer_name"`
	Items         []SummaryItem   `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type SummaryItem struct {
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	ImageURL  string          `json:"image_url,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) ValidateCart(ctx context.Context, lines []CartLineRequest, clientTotal *decimal.Decimal) (*ValidatedCart, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "Checkout.ValidateCart",
		trace.WithAttributes(attribute.Int("cart.lines", len(lines))))
	defer span.End()

	cart, err := s.validator.Validate(ctx, lines, clientTotal)
	if err != nil {
		err = apperr.FromStorageContext(ctx, err)
		s.recordFailure(ctx, span, "validate", err)
		return nil, err
	}
	return cart, nil
}

// CreateOrder validates the cart against the current catalog, then persists
// the order, decrements stock and writes the ledger in one transaction. A
// repeated idempotency key returns the order it first created, including
// when the duplicate arrives while the first request is still in flight.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "Checkout.CreateOrder",
		trace.WithAttributes(attribute.Int("cart.lines", len(req.Lines))))
	defer span.End()

	order, err := s.createOrder(ctx, req)
	if err != nil {
		err = apperr.FromStorageContext(ctx, err)
		s.recordFailure(ctx, span, "create_order", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.number", order.OrderNumber))
	return order, nil
}

func (s *Service) createOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	if err := s.validator.fields.Struct(req); err != nil {
		return nil, apperr.InvalidCart(apperr.NoLine, validation.Message(err))
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			s.log.Info("Order replayed for idempotency key",
				zap.Int64("order_id", existing.ID),
				zap.String("order_number", existing.OrderNumber))
			return existing, nil
		}
		if !errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.FromStorage(err)
		}
	}

	cart, err := s.validator.Validate(ctx, req.Lines, req.ClientTotal)
	if err != nil {
		return nil, err
	}

	order := s.newOrder(req, cart)

	lines := append([]ValidatedCartLine(nil), cart.Lines...)
	inventory.SortByUnit(lines, func(l ValidatedCartLine) (int64, *int64) { return l.ProductID, l.VariationID })

	// The order row goes first so a concurrent duplicate key fails on the
	// unique index before it can take stock the winner already holds.
	var movements []models.StockMovement
	err = s.store.InTx(ctx, func(ops store.Ops) error {
		movements = movements[:0]
		if err := ops.PersistOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range lines {
			movement, err := inventory.ApplyMovement(ctx, ops, inventory.MovementRequest{
				ProductID:   line.ProductID,
				VariationID: line.VariationID,
				Type:        models.MovementOut,
				Reason:      models.ReasonSale,
				Quantity:    line.Quantity,
				OrderToken:  &order.AccessToken,
			})
			if err != nil {
				return lineError(line, err)
			}
			movements = append(movements, *movement)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateIdempotencyKey) {
			return s.replayAfterConflict(ctx, req.IdempotencyKey)
		}
		return nil, apperr.FromStorage(err)
	}

	s.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", order.PaymentMethod)))
	s.log.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
		zap.Int("movements", len(movements)),
	)
	return order, nil
}

// replayAfterConflict handles a concurrent request with the same key that
// committed first. Our transaction rolled back, so no stock was taken.
func (s *Service) replayAfterConflict(ctx context.Context, key string) (*models.Order, error) {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperr.FromStorage(err)
	}
	s.log.Info("Order replayed after idempotency conflict",
		zap.Int64("order_id", existing.ID),
		zap.String("order_number", existing.OrderNumber))
	return existing, nil
}

func lineError(line ValidatedCartLine, err error) error {
	var rejected *inventory.RejectedError
	switch {
	case errors.As(err, &rejected):
		return apperr.StockRaceLost(line.Line, line.ProductID, line.VariationID, line.Quantity)
	case errors.Is(err, database.ErrProductNotFound):
		return apperr.ProductNotFound(line.Line, line.ProductID)
	case errors.Is(err, database.ErrVariationNotFound) && line.VariationID != nil:
		return apperr.VariationNotFound(line.Line, line.ProductID, *line.VariationID)
	}
	return err
}

func (s *Service) newOrder(req CreateOrderRequest, cart *ValidatedCart) *models.Order {
	token := s.newToken()
	order := &models.Order{
		OrderNumber:   fmt.Sprintf("ORD-%s-%s", s.now().Format("20060102"), strings.ToUpper(s.newToken()[:12])),
		AccessToken:   token,
		Customer:      req.Customer,
		Subtotal:      cart.Subtotal,
		Tax:           cart.Tax,
		Total:         cart.Total,
		PaymentMethod: req.PaymentMethod,
		Status:        models.OrderStatusPending,
		Notes:         req.Notes,
		Items:         make([]models.OrderItem, 0, len(cart.Lines)),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	for _, line := range cart.Lines {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   line.ProductID,
			VariationID: line.VariationID,
			SKU:         line.SKU,
			Name:        line.Name,
			ImageURL:    line.ImageURL,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			Subtotal:    line.LineTotal,
		})
	}
	return order
}

func (s *Service) GetOrderByToken(ctx context.Context, token string) (*OrderSummary, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.New(apperr.KindOrderNotFound, "order not found")
	}

	order, err := s.store.GetOrderByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.New(apperr.KindOrderNotFound, "order not found")
		}
		return nil, apperr.FromStorage(err)
	}
	return Summarize(order), nil
}

func Summarize(order *models.Order) *OrderSummary {
	summary := &OrderSummary{
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		CustomerName:  order.Customer.Name,
		Items:         make([]SummaryItem, 0, len(order.Items)),
		Subtotal:      order.Subtotal,
		Tax:           order.Tax,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.Payment.Status,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
	for _, item := range order.Items {
		summary.Items = append(summary.Items, SummaryItem{
			SKU:       item.SKU,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}
	return summary
}

// TransitionStatus is the administrative status change. Moving an order to
// cancelled gives its stock back.
func (s *Service) TransitionStatus(ctx context.Context, orderID int64, to string) (*models.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if !models.IsValidStatus(to) {
		return nil, apperr.InvalidStatusTransition("", to)
	}

	var updated *models.Order
	var from string
	var restored []models.StockMovement
	err := s.store.InTx(ctx, func(ops store.Ops) error {
		order, err := ops.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, database.ErrOrderNotFound) {
				return apperr.New(apperr.KindOrderNotFound, "order not found")
			}
			return err
		}
		from = order.Status

		if !models.CanTransition(order.Status, to) {
			return apperr.InvalidStatusTransition(order.Status, to)
		}

		ok, err := ops.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: order.ID, From: order.Status, To: to})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatusTransition(order.Status, to)
		}

		restored = nil
		if to == models.OrderStatusCancelled {
			var skipped []models.OrderItem
			restored, skipped, err = inventory.RestoreOrderStock(ctx, ops, order)
			if err != nil {
				return err
			}
			for _, item := range skipped {
				s.log.Warn("Skipping restock for missing catalog unit",
					zap.Int64("order_id", order.ID),
					zap.Int64("product_id", item.ProductID),
					zap.Int64p("variation_id", item.VariationID))
			}
		}

		updated, err = ops.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, apperr.FromStorageContext(ctx, err)
	}

	s.log.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("restored_movements", len(restored)),
	)
	return updated, nil
}

func (s *Service) recordFailure(ctx context.Context, span trace.Span, op string, err error) {
	kind := apperr.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	s.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", string(kind)),
	))

	fields := []zap.Field{zap.String("operation", op), zap.String("kind", string(kind)), zap.Error(err)}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Line != apperr.NoLine {
		fields = append(fields, zap.Int("line", appErr.Line))
	}
	if apperr.Retryable(err) {
		s.log.Error("Checkout failed", fields...)
		return
	}
	s.log.Info("Checkout rejected", fields...)
}
