package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// Payment statuses
const (
	PaymentPending    = "PENDING"
	PaymentAuthorized = "AUTHORIZED"
	PaymentPaid       = "PAID"
	PaymentRefunded   = "REFUNDED"
	PaymentVoided     = "VOIDED"
)

// CheckoutIDAttribute holds the pending hosted-checkout id until a notification for it is applied.
const CheckoutIDAttribute = "QualpayCheckoutId"

// Address is the billing address captured at order placement.
type Address struct {
	FirstName         string `dynamodbav:"first_name,omitempty" json:"first_name,omitempty"`
	LastName          string `dynamodbav:"last_name,omitempty" json:"last_name,omitempty"`
	Email             string `dynamodbav:"email,omitempty" json:"email,omitempty"`
	Phone             string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Address1          string `dynamodbav:"address1,omitempty" json:"address1,omitempty"`
	City              string `dynamodbav:"city,omitempty" json:"city,omitempty"`
	StateAbbreviation string `dynamodbav:"state,omitempty" json:"state,omitempty"`
	ZipPostalCode     string `dynamodbav:"zip,omitempty" json:"zip,omitempty"`
}

// Note is an append-only entry on the order history.
type Note struct {
	Text              string    `dynamodbav:"text" json:"text"`
	DisplayToCustomer bool      `dynamodbav:"display_to_customer" json:"display_to_customer"`
	CreatedAt         time.Time `dynamodbav:"created_at" json:"created_at"`
}

// PaymentDetails are copied from an accepted gateway transaction.
type PaymentDetails struct {
	AuthorizationCode string
	TransactionID     string
	Result            string
}

// Order represents the item stored in the Orders DynamoDB table.
// OrderID doubles as the purchase id sent to the gateway.
type Order struct {
	OrderID       string `dynamodbav:"order_id" json:"order_id"` // PK
	CustomerID    string `dynamodbav:"customer_id,omitempty" json:"customer_id,omitempty"`
	Status        string `dynamodbav:"status" json:"status"`                 // PENDING | PROCESSING | COMPLETED | CANCELLED
	PaymentStatus string `dynamodbav:"payment_status" json:"payment_status"` // PENDING | AUTHORIZED | PAID | REFUNDED | VOIDED
	// Total is a decimal string in CurrencyCode.
	Total          string                   `dynamodbav:"order_total" json:"order_total"`
	CurrencyCode   string                   `dynamodbav:"currency_code" json:"currency_code"`
	BillingAddress *Address                 `dynamodbav:"billing_address,omitempty" json:"billing_address,omitempty"`
	Items          []map[string]interface{} `dynamodbav:"items,omitempty" json:"items,omitempty"`
	Metadata       map[string]interface{}   `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	Attributes     map[string]string        `dynamodbav:"attributes" json:"-"`
	Notes          []Note                   `dynamodbav:"notes,omitempty" json:"-"`

	AuthorizationTransactionCode string     `dynamodbav:"authorization_transaction_code,omitempty" json:"-"`
	CaptureTransactionID         string     `dynamodbav:"capture_transaction_id,omitempty" json:"-"`
	CaptureTransactionResult     string     `dynamodbav:"capture_transaction_result,omitempty" json:"-"`
	PaidAt                       *time.Time `dynamodbav:"paid_at,omitempty" json:"paid_at,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Attribute returns the custom attribute value, or "" when absent.
func (o *Order) Attribute(key string) string {
	if o == nil || o.Attributes == nil {
		return ""
	}
	return o.Attributes[key]
}

// TotalAmount parses Total.
func (o *Order) TotalAmount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(o.Total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("order %s total %q: %w", o.OrderID, o.Total, err)
	}
	return d, nil
}

// CanMarkPaid reports whether the order may still transition to paid:
// it is not cancelled and its payment is neither settled nor reversed.
func CanMarkPaid(o *Order) bool {
	if o == nil || o.Status == StatusCancelled {
		return false
	}
	switch o.PaymentStatus {
	case PaymentPaid, PaymentRefunded, PaymentVoided:
		return false
	}
	return true
}
