// Package validation wraps go-playground/validator with the tag names and
// custom types the engine's request structs use.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxQuantity is the largest quantity an INTEGER stock column can hold.
const MaxQuantity = 2147483647

type Validator struct {
	validate *validator.Validate
}

// New returns a validator that reports fields by their json names and
// compares decimal.Decimal values numerically.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	Register(v)
	return &Validator{validate: v}
}

// Register installs the json field names and the decimal type on v. The
// HTTP layer uses it on gin's binding engine.
func Register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
}

func decimalValue(field reflect.Value) interface{} {
	d, ok := field.Interface().(decimal.Decimal)
	if !ok {
		return nil
	}
	f, _ := d.Float64()
	return f
}

// Struct validates s against its validate tags.
func (v *Validator) Struct(s interface{}) error {
	return v.validate.Struct(s)
}

// Message renders the first field failure in err as a client-facing
// sentence. Errors that did not come from the validator pass through.
func Message(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "ne":
		return fmt.Sprintf("%s must not be %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed the %s check", field, fe.Tag())
}
