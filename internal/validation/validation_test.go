package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Email    string           `json:"email" validate:"required,email"`
	Method   string           `json:"method" validate:"required,oneof=card cash"`
	Quantity int              `json:"quantity" validate:"gt=0,lte=2147483647"`
	Price    *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0"`
	Delta    int              `validate:"ne=0"`
}

func validSample() sample {
	return sample{Email: "ana@example.com", Method: "card", Quantity: 1, Delta: 1}
}

func TestStructAcceptsValidInput(t *testing.T) {
	v := New()
	s := validSample()
	zero := decimal.Zero
	s.Price = &zero
	assert.NoError(t, v.Struct(s))
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	v := New()
	negative := decimal.RequireFromString("-0.01")
	ceiling := MaxQuantity

	tests := []struct {
		name   string
		mutate func(*sample)
		want   string
	}{
		{"missing email", func(s *sample) { s.Email = "" }, "email is required"},
		{"bad email", func(s *sample) { s.Email = "not-an-email" }, "email must be a valid email address"},
		{"unknown method", func(s *sample) { s.Method = "barter" }, "method must be one of [card cash]"},
		{"zero quantity", func(s *sample) { s.Quantity = 0 }, "quantity must be greater than 0"},
		{"quantity overflow", func(s *sample) { s.Quantity = ceiling + 1 }, "quantity must be at most 2147483647"},
		{"negative price", func(s *sample) { s.Price = &negative }, "price must be at least 0"},
		{"untagged field", func(s *sample) { s.Delta = 0 }, "Delta must not be 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSample()
			tt.mutate(&s)
			err := v.Struct(s)
			require.Error(t, err)
			assert.Equal(t, tt.want, Message(err))
		})
	}
}

func TestMessagePassesThroughOtherErrors(t *testing.T) {
	assert.Equal(t, "boom", Message(errors.New("boom")))
}
