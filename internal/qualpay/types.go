package qualpay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// USDNumericCode is the ISO 4217 numeric code for US dollars, the only currency the checkout accepts.
const USDNumericCode = 840

// ResponseCode is the "code" field of every Qualpay API response.
type ResponseCode int

const (
	CodeOK                  ResponseCode = 0
	CodeBadRequest          ResponseCode = 2  // request failed validation
	CodeForbidden           ResponseCode = 6  // key has no access to the resource
	CodeNotFound            ResponseCode = 7  // resource URL does not exist
	CodeUnauthorized        ResponseCode = 11 // missing or invalid basic auth
	CodeInternalServerError ResponseCode = 99
)

func (c ResponseCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BadRequest"
	case CodeForbidden:
		return "Forbidden"
	case CodeNotFound:
		return "NotFound"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeInternalServerError:
		return "InternalServerError"
	default:
		return fmt.Sprintf("ResponseCode(%d)", int(c))
	}
}

// RequestType is what the hosted page does when the shopper submits card data.
type RequestType string

const (
	RequestTypeAuth RequestType = "auth"
	RequestTypeSale RequestType = "sale" // authorize and capture
)

// Amount is a money value sent as a bare JSON number with two decimals.
// It decodes from either a JSON number or a quoted number.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount { return Amount{Decimal: d} }

// MarshalJSON encodes the amount as a JSON number fixed to two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.StringFixed(2)), nil
}

// Preferences override the merchant's checkout settings for one checkout.
type Preferences struct {
	SuccessURL           string      `json:"success_url"`
	FailureURL           string      `json:"failure_url"`
	NotificationURL      string      `json:"notification_url"`
	AllowPartialPayments bool        `json:"allow_partial_payments"`
	EmailReceipt         bool        `json:"email_receipt"`
	RequestType          RequestType `json:"request_type"`
	ExpireInSecs         int         `json:"expire_in_secs"`
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	Amount       Amount `json:"amt_tran"`
	CurrencyCode int    `json:"tran_currency"`
	// PurchaseID must equal the store's order number; notifications are matched on it.
	PurchaseID     string       `json:"purchase_id"`
	ProfileID      string       `json:"profile_id,omitempty"`
	MerchantRefNum string       `json:"merch_ref_num,omitempty"`
	Preferences    *Preferences `json:"preferences,omitempty"`

	CustomerFirstName string `json:"customer_first_name,omitempty"`
	CustomerLastName  string `json:"customer_last_name,omitempty"`
	CustomerEmail     string `json:"customer_email,omitempty"`
	CustomerPhone     string `json:"customer_phone,omitempty"`
	BillingAddr1      string `json:"billing_addr1,omitempty"`
	BillingCity       string `json:"billing_city,omitempty"`
	BillingState      string `json:"billing_state,omitempty"`
	BillingZip        string `json:"billing_zip,omitempty"`
}

// CheckoutResponse is the envelope returned by the API for both success and failure.
type CheckoutResponse struct {
	Code    ResponseCode             `json:"code"`
	Message string                   `json:"message"`
	Data    *CheckoutResponseDetails `json:"data,omitempty"`
}

// CheckoutResponseDetails describes a created checkout resource. Only CheckoutID and
// CheckoutLink are used; the rest is the gateway's echo of the request.
type CheckoutResponseDetails struct {
	CheckoutID   string      `json:"checkout_id"`
	CheckoutLink string      `json:"checkout_link"`
	Amount       Amount      `json:"amt_tran"`
	CurrencyCode json.Number `json:"tran_currency,omitempty"`
	PurchaseID   string      `json:"purchase_id"`
	ProfileID    string      `json:"profile_id,omitempty"`

	CustomerFirstName string `json:"customer_first_name,omitempty"`
	CustomerLastName  string `json:"customer_last_name,omitempty"`
	CustomerEmail     string `json:"customer_email,omitempty"`
	CustomerPhone     string `json:"customer_phone,omitempty"`
	BillingAddr1      string `json:"billing_addr1,omitempty"`
	BillingCity       string `json:"billing_city,omitempty"`
	BillingState      string `json:"billing_state,omitempty"`
	BillingZip        string `json:"billing_zip,omitempty"`

	// Timestamps are kept verbatim; the gateway does not use RFC 3339 consistently.
	Timestamp  string `json:"db_timestamp,omitempty"`
	ExpiryTime string `json:"expiry_time,omitempty"`

	Preferences  *Preferences  `json:"preferences,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// Transaction is a checkout transaction, as posted to the notification URL and as
// listed on a checkout resource.
type Transaction struct {
	CheckoutID    string      `json:"checkout_id"`
	TransactionID string      `json:"pg_id"`
	ResponseCode  string      `json:"rcode,omitempty"`
	ResponseMsg   string      `json:"rmsg,omitempty"`
	Status        string      `json:"tran_status,omitempty"`
	Amount        Amount      `json:"amt_tran"`
	CurrencyCode  json.Number `json:"tran_currency,omitempty"`
	PurchaseID    string      `json:"purchase_id"`
	AuthCode      string      `json:"auth_code,omitempty"`
	MerchantRef   string      `json:"merch_ref_num,omitempty"`

	CardType   string `json:"card_type,omitempty"`
	CardNumber string `json:"card_number,omitempty"` // masked

	CustomerFirstName string `json:"customer_first_name,omitempty"`
	CustomerLastName  string `json:"customer_last_name,omitempty"`
	CustomerEmail     string `json:"customer_email,omitempty"`
	CustomerPhone     string `json:"customer_phone,omitempty"`
	BillingAddr1      string `json:"billing_addr1,omitempty"`
	BillingCity       string `json:"billing_city,omitempty"`
	BillingState      string `json:"billing_state,omitempty"`
	BillingZip        string `json:"billing_zip,omitempty"`
}

// ParseTransaction decodes a notification body.
func ParseTransaction(raw []byte) (*Transaction, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("decode transaction: empty body")
	}
	var t Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}
