// Package payment applies asynchronous payment provider notifications to
// orders. Reconcile is idempotent: a notification may be delivered any
// number of times and its effect is applied once.
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/config"
	"github.com/safar/storefront-core/internal/database"
	"github.com/safar/storefront-core/internal/inventory"
	"github.com/safar/storefront-core/internal/models"
	"github.com/safar/storefront-core/internal/notify"
	"github.com/safar/storefront-core/internal/store"
	"github.com/safar/storefront-core/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

type Notification struct {
	PaymentID         string `json:"payment_id"`
	Status            string `json:"status" binding:"required"`
	ExternalReference string `json:"external_reference" binding:"required"`
}

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeIgnoredNotFound   Outcome = "ignored_not_found"
	OutcomeIgnoredTerminal   Outcome = "ignored_terminal"
	OutcomeIgnoredNonFinal   Outcome = "ignored_non_final"
	OutcomeIgnoredConcurrent Outcome = "ignored_concurrent"
)

type Result struct {
	Outcome           Outcome `json:"outcome"`
	OrderID           int64   `json:"order_id,omitempty"`
	OrderNumber       string  `json:"order_number,omitempty"`
	PreviousStatus    string  `json:"previous_status,omitempty"`
	NewStatus         string  `json:"new_status,omitempty"`
	RestoredMovements int     `json:"restored_movements"`
	ConfirmationSent  bool    `json:"confirmation_sent"`
}

// TargetStatus maps a provider payment status to the order status it
// settles on. ok is false for statuses that are not final yet.
func TargetStatus(paymentStatus string) (status string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(paymentStatus)) {
	case StatusApproved:
		return models.OrderStatusCompleted, true
	case StatusRejected:
		return models.OrderStatusCancelled, true
	}
	return "", false
}

type Reconciler struct {
	store    store.Store
	notifier notify.Notifier
	log      *zap.Logger
	timeout  time.Duration
	locks    *orderLocks

	tracer          trace.Tracer
	reconciliations metric.Int64Counter
}

func NewReconciler(s store.Store, notifier notify.Notifier, cfg config.PaymentConfig, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		notifier: notifier,
		log:      log.Named("payment"),
		timeout:  cfg.ReconcileTimeout,
		locks:    newOrderLocks(),
		tracer:   otel.Tracer("storefront-core/payment"),
		reconciliations: telemetry.Counter(telemetry.Meter("payment"),
			"payment_reconciliations_total", "Payment notifications processed, by outcome"),
	}
}

// Reconcile applies n to the order it references. Orders that cannot be
// found, are already terminal, or whose payment is not final are reported
// as ignored outcomes, not errors. Errors are only returned for storage
// failures and timeouts, which the provider should retry.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "Payment.Reconcile", trace.WithAttributes(
		attribute.String("payment.id", n.PaymentID),
		attribute.String("payment.status", n.Status),
		attribute.String("payment.external_reference", n.ExternalReference),
	))
	defer span.End()

	res, err := r.reconcile(ctx, n)
	if err != nil {
		err = apperr.FromStorageContext(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		r.log.Error("Payment reconciliation failed",
			zap.String("payment_id", n.PaymentID),
			zap.String("external_reference", n.ExternalReference),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("payment.outcome", string(res.Outcome)))
	r.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("payment_id", n.PaymentID),
		zap.String("status", n.Status),
		zap.String("external_reference", n.ExternalReference),
		zap.Int64("order_id", res.OrderID),
	}
	if res.Outcome == OutcomeApplied {
		r.log.Info("Payment applied", append(fields,
			zap.String("from", res.PreviousStatus),
			zap.String("to", res.NewStatus),
			zap.Int("restored_movements", res.RestoredMovements),
			zap.Bool("confirmation_sent", res.ConfirmationSent))...)
	} else {
		r.log.Info("Payment notification ignored", fields...)
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, n Notification) (*Result, error) {
	order, err := r.store.FindOrderByExternalRef(ctx, n.ExternalReference)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return &Result{Outcome: OutcomeIgnoredNotFound}, nil
		}
		return nil, err
	}

	res := &Result{OrderID: order.ID, OrderNumber: order.OrderNumber, PreviousStatus: order.Status}
	if models.IsTerminalStatus(order.Status) {
		res.Outcome = OutcomeIgnoredTerminal
		return res, nil
	}
	target, final := TargetStatus(n.Status)
	if !final {
		res.Outcome = OutcomeIgnoredNonFinal
		return res, nil
	}

	unlock := r.locks.Lock(order.ID)
	defer unlock()

	var updated *models.Order
	err = r.store.InTx(ctx, func(ops store.Ops) error {
		updated = nil
		res.RestoredMovements = 0

		locked, err := ops.LockOrder(ctx, order.ID)
		if err != nil {
			if errors.Is(err, database.ErrOrderNotFound) {
				res.Outcome = OutcomeIgnoredNotFound
				return nil
			}
			return err
		}
		res.PreviousStatus = locked.Status

		if models.IsTerminalStatus(locked.Status) || !models.CanTransition(locked.Status, target) {
			res.Outcome = OutcomeIgnoredTerminal
			return nil
		}

		ok, err := ops.UpdateOrderStatus(ctx, store.StatusUpdate{
			OrderID: locked.ID,
			From:    locked.Status,
			To:      target,
			Payment: &models.PaymentDetails{PaymentID: n.PaymentID, Status: n.Status},
		})
		if err != nil {
			return err
		}
		if !ok {
			res.Outcome = OutcomeIgnoredConcurrent
			return nil
		}

		if target == models.OrderStatusCancelled {
			restored, skipped, err := inventory.RestoreOrderStock(ctx, ops, locked)
			if err != nil {
				return err
			}
			res.RestoredMovements = len(restored)
			for _, item := range skipped {
				r.log.Warn("Skipping restock for missing catalog unit",
					zap.Int64("order_id", locked.ID),
					zap.Int64("product_id", item.ProductID),
					zap.Int64p("variation_id", item.VariationID))
			}
		}

		updated, err = ops.GetOrder(ctx, locked.ID)
		if err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.NewStatus = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Outcome == OutcomeApplied && res.NewStatus == models.OrderStatusCompleted {
		res.ConfirmationSent = r.confirm(ctx, updated)
	}
	return res, nil
}

// confirm runs after commit. A failed dispatch does not undo the payment.
func (r *Reconciler) confirm(ctx context.Context, order *models.Order) bool {
	if r.notifier == nil {
		return false
	}
	if err := r.notifier.OrderConfirmed(ctx, order); err != nil {
		r.log.Error("Order confirmation dispatch failed",
			zap.Int64("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return false
	}
	return true
}
