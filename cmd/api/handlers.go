package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/safar/storefront-core/internal/checkout"
	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/payment"
	"github.com/safar/storefront-core/internal/store"
	"github.com/safar/storefront-core/internal/validation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type api struct {
	store      store.Store
	checkout   *checkout.Service
	reconciler *payment.Reconciler
	ledger     *inventory.Ledger
	log        *zap.Logger
}

func newRouter(a *api, serviceName string) *gin.Engine {
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		validation.Register(engine)
	}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestID(), requestLogger(a.log))

	r.GET("/health", a.health)

	v := r.Group("/api")
	v.POST("/cart/validate", a.validateCart)
	v.POST("/orders", a.createOrder)
	v.GET("/orders/track/:token", a.trackOrder)
	v.POST("/webhooks/payments", a.paymentWebhook)

	admin := v.Group("/admin")
	admin.GET("/inventory/movements", a.listMovements)
	admin.POST("/inventory/adjustments", a.adjustStock)
	admin.GET("/inventory/low-stock", a.lowStock)
	admin.GET("/inventory/drift", a.drift)
	admin.PATCH("/orders/:id/status", a.updateOrderStatus)

	return r
}

func (a *api) health(c *gin.Context) {
	if err := a.store.Ping(c.Request.Context()); err != nil {
		a.log.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type validateCartRequest struct {
	Lines       []checkout.CartLineRequest `json:"lines"`
	ClientTotal *decimal.Decimal           `json:"client_total,omitempty"`
}

func (a *api) validateCart(c *gin.Context) {
	var req validateCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	cart, err := a.checkout.ValidateCart(c.Request.Context(), req.Lines, req.ClientTotal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

type createOrderRequest struct {
	Customer      models.Customer            `json:"customer"`
	Lines         []checkout.CartLineRequest `json:"lines"`
	PaymentMethod string                     `json:"payment_method"`
	Notes         string                     `json:"notes,omitempty"`
	ClientTotal   *decimal.Decimal           `json:"client_total,omitempty"`
}

type createOrderResponse struct {
	OrderID     int64  `json:"order_id"`
	AccessToken string `json:"access_token"`
	*checkout.OrderSummary
}

func (a *api) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	order, err := a.checkout.CreateOrder(c.Request.Context(), checkout.CreateOrderRequest{
		Customer:       req.Customer,
		Lines:          req.Lines,
		PaymentMethod:  req.PaymentMethod,
		Notes:          req.Notes,
		ClientTotal:    req.ClientTotal,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createOrderResponse{
		OrderID:      order.ID,
		AccessToken:  order.AccessToken,
		OrderSummary: checkout.Summarize(order),
	})
}

func (a *api) trackOrder(c *gin.Context) {
	summary, err := a.checkout.GetOrderByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// paymentWebhook answers 200 for every notification it could decode and
// process, including the ones it ignores, so the provider stops retrying.
// Only storage failures ask for a retry.
func (a *api) paymentWebhook(c *gin.Context) {
	var n payment.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		respondBindError(c, err)
		return
	}

	res, err := a.reconciler.Reconcile(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: newErrorBody(err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) listMovements(c *gin.Context) {
	filter := store.MovementFilter{
		Type:       c.Query("type"),
		Reason:     c.Query("reason"),
		OrderToken: c.Query("order_token"),
	}

	var err error
	if filter.ProductID, err = optionalInt64(c, "product_id"); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if filter.VariationID, err = optionalInt64(c, "variation_id"); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if filter.From, err = optionalTime(c, "from"); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if filter.To, err = optionalTime(c, "to"); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	cursor := c.Query("cursor")
	if _, err := store.DecodeCursor(cursor); err != nil {
		respondBadRequest(c, "invalid cursor")
		return
	}

	page, err := a.ledger.Query(c.Request.Context(), filter, cursor, queryInt(c, "limit", store.DefaultPageSize))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type adjustStockRequest struct {
	ProductID   int64  `json:"product_id" binding:"required"`
	VariationID *int64 `json:"variation_id,omitempty"`
	Delta       int    `json:"delta" binding:"required"`
	Reason      string `json:"reason"`
	Note        string `json:"note,omitempty"`
}

func (a *api) adjustStock(c *gin.Context) {
	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if req.Reason == "" {
		req.Reason = models.ReasonManual
	}

	movement, err := a.ledger.Adjust(c.Request.Context(), inventory.AdjustRequest{
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		Delta:       req.Delta,
		Reason:      req.Reason,
		Note:        req.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func (a *api) lowStock(c *gin.Context) {
	items, err := a.ledger.LowStock(c.Request.Context(), queryInt(c, "limit", store.DefaultPageSize))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *api) drift(c *gin.Context) {
	productID, err := optionalInt64(c, "product_id")
	if err != nil || productID == nil {
		respondBadRequest(c, "product_id is required")
		return
	}
	variationID, err := optionalInt64(c, "variation_id")
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	report, err := a.ledger.CheckDrift(c.Request.Context(), *productID, variationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (a *api) updateOrderStatus(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		respondBadRequest(c, "invalid order id")
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := a.checkout.TransitionStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func optionalInt64(c *gin.Context, key string) (*int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, errors.New(key + " must be a positive integer")
	}
	return &v, nil
}

func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return v
}
