// Package apperr defines the typed errors returned by checkout, inventory
// and payment code. Every error carries a Kind that the HTTP layer maps to a
// status code, plus the payload a client needs to re-prompt the user.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindInvalidCartStructure    Kind = "invalid_cart_structure"
	KindProductNotFound         Kind = "product_not_found"
	KindVariationRequired       Kind = "variation_required"
	KindVariationNotFound       Kind = "variation_not_found"
	KindVariationInactive       Kind = "variation_inactive"
	KindPriceChanged            Kind = "price_changed"
	KindInsufficientStock       Kind = "insufficient_stock"
	KindTotalMismatch           Kind = "total_mismatch"
	KindStockRaceLost           Kind = "stock_race_lost"
	KindOrderNotFound           Kind = "order_not_found"
	KindInvalidStatusTransition Kind = "invalid_status_transition"
	KindTimeout                 Kind = "timeout"
	KindStorageFailure          Kind = "storage_failure"
)

// NoLine marks errors that are not tied to a cart line.
const NoLine = -1

type Error struct {
	Kind        Kind
	Message     string
	Line        int
	ProductID   int64
	VariationID *int64
	Available   int
	Requested   int
	OldPrice    *decimal.Decimal
	NewPrice    *decimal.Decimal
	Expected    *decimal.Decimal
	Actual      *decimal.Decimal
	From        string
	To          string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrStockRaceLost)
// works regardless of payload.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidCartStructure    = &Error{Kind: KindInvalidCartStructure, Line: NoLine}
	ErrProductNotFound         = &Error{Kind: KindProductNotFound, Line: NoLine}
	ErrVariationRequired       = &Error{Kind: KindVariationRequired, Line: NoLine}
	ErrVariationNotFound       = &Error{Kind: KindVariationNotFound, Line: NoLine}
	ErrVariationInactive       = &Error{Kind: KindVariationInactive, Line: NoLine}
	ErrPriceChanged            = &Error{Kind: KindPriceChanged, Line: NoLine}
	ErrInsufficientStock       = &Error{Kind: KindInsufficientStock, Line: NoLine}
	ErrTotalMismatch           = &Error{Kind: KindTotalMismatch, Line: NoLine}
	ErrStockRaceLost           = &Error{Kind: KindStockRaceLost, Line: NoLine}
	ErrOrderNotFound           = &Error{Kind: KindOrderNotFound, Line: NoLine}
	ErrInvalidStatusTransition = &Error{Kind: KindInvalidStatusTransition, Line: NoLine}
	ErrTimeout                 = &Error{Kind: KindTimeout, Line: NoLine}
	ErrStorageFailure          = &Error{Kind: KindStorageFailure, Line: NoLine}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Line: NoLine}
}

func InvalidCart(line int, message string) *Error {
	return &Error{Kind: KindInvalidCartStructure, Message: message, Line: line}
}

func ProductNotFound(line int, productID int64) *Error {
	return &Error{
		Kind:      KindProductNotFound,
		Message:   fmt.Sprintf("product %d is not available", productID),
		Line:      line,
		ProductID: productID,
	}
}

func VariationRequired(line int, productID int64) *Error {
	return &Error{
		Kind:      KindVariationRequired,
		Message:   "choose an option for this product",
		Line:      line,
		ProductID: productID,
	}
}

func VariationNotFound(line int, productID, variationID int64) *Error {
	return &Error{
		Kind:        KindVariationNotFound,
		Message:     fmt.Sprintf("option %d does not exist for this product", variationID),
		Line:        line,
		ProductID:   productID,
		VariationID: &variationID,
	}
}

func VariationInactive(line int, productID, variationID int64) *Error {
	return &Error{
		Kind:        KindVariationInactive,
		Message:     "this option is no longer available",
		Line:        line,
		ProductID:   productID,
		VariationID: &variationID,
	}
}

func PriceChanged(line int, productID int64, variationID *int64, oldPrice, newPrice decimal.Decimal) *Error {
	return &Error{
		Kind:        KindPriceChanged,
		Message:     fmt.Sprintf("price changed from %s to %s", oldPrice.StringFixed(2), newPrice.StringFixed(2)),
		Line:        line,
		ProductID:   productID,
		VariationID: variationID,
		OldPrice:    &oldPrice,
		NewPrice:    &newPrice,
	}
}

func InsufficientStock(line int, productID int64, variationID *int64, available, requested int) *Error {
	message := fmt.Sprintf("only %d left in stock", available)
	if available <= 0 {
		message = "out of stock"
	}
	return &Error{
		Kind:        KindInsufficientStock,
		Message:     message,
		Line:        line,
		ProductID:   productID,
		VariationID: variationID,
		Available:   available,
		Requested:   requested,
	}
}

func TotalMismatch(expected, actual decimal.Decimal) *Error {
	return &Error{
		Kind:     KindTotalMismatch,
		Message:  fmt.Sprintf("cart total is %s, not %s", expected.StringFixed(2), actual.StringFixed(2)),
		Line:     NoLine,
		Expected: &expected,
		Actual:   &actual,
	}
}

func StockRaceLost(line int, productID int64, variationID *int64, requested int) *Error {
	return &Error{
		Kind:        KindStockRaceLost,
		Message:     "this item sold out while you were checking out",
		Line:        line,
		ProductID:   productID,
		VariationID: variationID,
		Requested:   requested,
	}
}

func InvalidStatusTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidStatusTransition,
		Message: fmt.Sprintf("cannot move order from %s to %s", from, to),
		Line:    NoLine,
		From:    from,
		To:      to,
	}
}

// FromStorage turns an error from the storage layer into an *Error. Typed
// errors pass through; deadlines become timeouts; anything else is a
// storage failure.
func FromStorage(err error) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "operation timed out", Line: NoLine, Err: err}
	}

	return &Error{Kind: KindStorageFailure, Message: "storage unavailable, please retry", Line: NoLine, Err: err}
}

// FromStorageContext is FromStorage, except that any storage failure seen
// after ctx's deadline has passed is reported as a timeout. Drivers do not
// always surface context.DeadlineExceeded themselves.
func FromStorageContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && KindOf(err) == KindStorageFailure {
		return &Error{Kind: KindTimeout, Message: "operation timed out", Line: NoLine, Err: err}
	}
	return FromStorage(err)
}

// KindOf returns the Kind of err, or KindStorageFailure for untyped errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindStorageFailure
}

// Retryable reports whether the caller may safely retry the request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindStorageFailure:
		return true
	}
	return false
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidCartStructure:
		return http.StatusBadRequest
	case KindProductNotFound, KindVariationRequired, KindVariationNotFound,
		KindVariationInactive, KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case KindPriceChanged, KindTotalMismatch, KindStockRaceLost, KindInvalidStatusTransition:
		return http.StatusConflict
	case KindOrderNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
