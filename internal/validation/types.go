package validation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item represents a single order line item.
type Item struct {
	SKU      string          `json:"sku" validate:"required"`            // stock keeping unit
	Quantity int             `json:"quantity" validate:"required,min=1"` // must be >= 1
	Price    decimal.Decimal `json:"price" validate:"gt=0"`              // price per unit
}

// BillingAddress is the address sent to the hosted checkout page.
type BillingAddress struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email" validate:"omitempty,email"`
	Phone         string `json:"phone"`
	Address1      string `json:"address1"`
	City          string `json:"city"`
	State         string `json:"state" validate:"omitempty,max=3"` // abbreviation
	ZipPostalCode string `json:"zip"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	CustomerID     string                 `json:"customer_id" validate:"required"`                    // business id for customer
	Items          []Item                 `json:"items" validate:"required,min=1,dive"`               // at least one item
	Amount         decimal.Decimal        `json:"amount" validate:"gt=0"`                             // total amount client claims
	CurrencyCode   string                 `json:"currency_code,omitempty" validate:"omitempty,len=3"` // defaults to the store currency
	BillingAddress *BillingAddress        `json:"billing_address,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`   // optional free-form metadata
	CreatedAt      *time.Time             `json:"created_at,omitempty"` // optional client timestamp
}
