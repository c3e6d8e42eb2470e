// Package currency converts order amounts into the gateway settlement currency.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// USD is the settlement currency and the base of every rate table.
const USD = "USD"

// ErrUnknownCurrency is returned when no rate is configured for a currency.
var ErrUnknownCurrency = errors.New("unknown currency")

// Converter converts an amount between two ISO currency codes.
type Converter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// StaticConverter converts with a fixed table of rates to USD.
type StaticConverter struct {
	rates map[string]decimal.Decimal
}

// NewStaticConverter builds a converter from code -> USD rates. USD is always 1.
func NewStaticConverter(rates map[string]decimal.Decimal) *StaticConverter {
	r := make(map[string]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		r[strings.ToUpper(code)] = rate
	}
	r[USD] = decimal.NewFromInt(1)
	return &StaticConverter{rates: r}
}

// Convert returns amount unchanged when from and to match, otherwise
// amount * rate(from) / rate(to). The result is not rounded.
func (c *StaticConverter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	fromRate, ok := c.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	toRate, ok := c.rates[to]
	if !ok || toRate.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return amount.Mul(fromRate).DivRound(toRate, 8), nil
}
