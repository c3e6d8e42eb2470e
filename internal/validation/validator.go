package validation

import (
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const amountMatchItemsTag = "amount_match_items"

// New returns a configured validator with custom struct-level validation registered.
// Field errors are named after the JSON fields.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(jsonName)

	// decimals validate as numbers, so gt=0 works on money fields
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	// register struct-level validation for CreateOrderRequest to ensure
	// the provided Amount matches the sum of (price * quantity) of items.
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// createOrderStructValidation verifies the aggregated total of items equals Amount to the cent.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	sum := decimal.Zero
	for _, it := range req.Items {
		sum = sum.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	if !sum.Round(2).Equal(req.Amount.Round(2)) {
		sl.ReportError(req.Amount, "amount", "Amount", amountMatchItemsTag, fmt.Sprintf("items sum %s != amount %s", sum.StringFixed(2), req.Amount.StringFixed(2)))
	}
}
