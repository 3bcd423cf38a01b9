package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/safar/storefront-core/internal/apperr"
	"github.com/safar/storefront-core/internal/validation"
	"github.com/shopspring/decimal"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

// errorBody carries the typed payload a client needs to re-prompt the user.
// Unset fields are omitted.
type errorBody struct {
	Code        apperr.Kind      `json:"code"`
	Message     string           `json:"message"`
	Line        *int             `json:"line,omitempty"`
	ProductID   int64            `json:"product_id,omitempty"`
	VariationID *int64           `json:"variation_id,omitempty"`
	Available   *int             `json:"available,omitempty"`
	Requested   int              `json:"requested,omitempty"`
	OldPrice    *decimal.Decimal `json:"old_price,omitempty"`
	NewPrice    *decimal.Decimal `json:"new_price,omitempty"`
	Expected    *decimal.Decimal `json:"expected,omitempty"`
	Actual      *decimal.Decimal `json:"actual,omitempty"`
	From        string           `json:"from,omitempty"`
	To          string           `json:"to,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
}

func newErrorBody(err error) errorBody {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.FromStorage(err).(*apperr.Error)
	}

	body := errorBody{
		Code:        appErr.Kind,
		Message:     appErr.Message,
		ProductID:   appErr.ProductID,
		VariationID: appErr.VariationID,
		Requested:   appErr.Requested,
		OldPrice:    appErr.OldPrice,
		NewPrice:    appErr.NewPrice,
		Expected:    appErr.Expected,
		Actual:      appErr.Actual,
		From:        appErr.From,
		To:          appErr.To,
		Retryable:   apperr.Retryable(appErr),
	}
	if appErr.Line != apperr.NoLine {
		line := appErr.Line
		body.Line = &line
	}
	if appErr.Kind == apperr.KindInsufficientStock {
		available := appErr.Available
		body.Available = &available
	}
	return body
}

func respondError(c *gin.Context, err error) {
	body := newErrorBody(err)
	c.JSON(apperr.HTTPStatus(body.Code), errorResponse{Error: body})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: errorBody{
		Code:    apperr.KindInvalidCartStructure,
		Message: message,
	}})
}

// respondBindError names the failing field for binding tag failures and
// hides decoder details otherwise.
func respondBindError(c *gin.Context, err error) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		respondBadRequest(c, validation.Message(err))
		return
	}
	respondBadRequest(c, "invalid request body")
}
