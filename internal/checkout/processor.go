// Package checkout starts hosted checkouts: it builds the gateway request for an
// order, records the returned checkout id on the order and picks where to send the shopper.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-qualpay-checkout/internal/config"
	"github.com/imrishuroy/go-qualpay-checkout/internal/currency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/metrics"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/qualpay"
)

const (
	// linkExpiry is how long the hosted checkout link stays valid.
	linkExpiry = 1200
	// maxAddressLength is the longest billing street the gateway accepts.
	maxAddressLength = 20
	// rePostDelay is how long after placement the shopper may retry the payment.
	rePostDelay = 5 * time.Second
)

// Outcomes recorded for the checkout flow.
const (
	OutcomeRedirected         = "redirected"
	OutcomeNotConfigured      = "not_configured"
	OutcomeGatewayRejected    = "gateway_rejected"
	OutcomeTransportError     = "transport_error"
	OutcomeInvalidResponse    = "invalid_response"
	OutcomeConversionFailed   = "conversion_failed"
	OutcomeAttributeNotStored = "attribute_not_stored"
)

// Gateway creates hosted checkouts.
type Gateway interface {
	CreateCheckout(ctx context.Context, req qualpay.CheckoutRequest) (*qualpay.CheckoutResponseDetails, error)
}

// AttributeWriter stores custom order attributes.
type AttributeWriter interface {
	SetAttribute(ctx context.Context, orderID, key, value string) error
}

// Redirect is where the shopper goes next. CheckoutID is set only when URL is the hosted checkout page.
type Redirect struct {
	URL        string
	CheckoutID string
}

// Fallback reports whether the shopper is being sent to the order details page.
func (r Redirect) Fallback() bool { return r.CheckoutID == "" }

// Processor starts hosted checkouts for placed orders.
type Processor struct {
	gateway         Gateway
	orders          AttributeWriter
	converter       currency.Converter
	settings        config.Settings
	storeURL        string
	primaryCurrency string
	metrics         metrics.Recorder
	nowFunc         func() time.Time
}

// Config groups the processor dependencies.
type Config struct {
	Gateway         Gateway
	Orders          AttributeWriter
	Converter       currency.Converter
	Settings        config.Settings
	StoreURL        string // with trailing slash
	PrimaryCurrency string // used when an order has no currency
	Metrics         metrics.Recorder
}

// NewProcessor returns a processor. A nil Converter only supports USD orders.
func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		gateway:         cfg.Gateway,
		orders:          cfg.Orders,
		converter:       cfg.Converter,
		settings:        cfg.Settings,
		storeURL:        cfg.StoreURL,
		primaryCurrency: cfg.PrimaryCurrency,
		metrics:         cfg.Metrics,
		nowFunc:         time.Now,
	}
	if p.converter == nil {
		p.converter = currency.NewStaticConverter(nil)
	}
	if p.primaryCurrency == "" {
		p.primaryCurrency = currency.USD
	}
	return p
}

// SuccessURL is where the gateway sends the shopper after paying.
func (p *Processor) SuccessURL(orderID string) string {
	return fmt.Sprintf("%scheckout/completed/%s", p.storeURL, orderID)
}

// OrderDetailsURL is the failure page and the fallback redirect.
func (p *Processor) OrderDetailsURL(orderID string) string {
	return fmt.Sprintf("%sorderdetails/%s", p.storeURL, orderID)
}

// NotificationURL is where the gateway posts transaction notifications.
func (p *Processor) NotificationURL() string {
	return p.storeURL + "Plugins/QualpayCheckout/IPN"
}

// ConfigurationPageURL is the admin page for the merchant settings.
func (p *Processor) ConfigurationPageURL() string {
	return p.storeURL + "Admin/QualpayCheckout/Configure"
}

// BuildRequest maps order onto a checkout request. The total is converted to USD;
// the client rounds it to cents.
func (p *Processor) BuildRequest(order *orders.Order) (qualpay.CheckoutRequest, error) {
	total, err := order.TotalAmount()
	if err != nil {
		return qualpay.CheckoutRequest{}, err
	}
	from := order.CurrencyCode
	if from == "" {
		from = p.primaryCurrency
	}
	usd, err := p.converter.Convert(total, from, currency.USD)
	if err != nil {
		return qualpay.CheckoutRequest{}, fmt.Errorf("convert order total: %w", err)
	}

	req := qualpay.CheckoutRequest{
		Amount:       qualpay.NewAmount(usd.Round(2)),
		CurrencyCode: qualpay.USDNumericCode,
		PurchaseID:   order.OrderID,
		Preferences: &qualpay.Preferences{
			SuccessURL:           p.SuccessURL(order.OrderID),
			FailureURL:           p.OrderDetailsURL(order.OrderID),
			NotificationURL:      p.NotificationURL(),
			AllowPartialPayments: false,
			EmailReceipt:         p.settings.EnableEmailReceipts,
			RequestType:          qualpay.RequestTypeSale,
			ExpireInSecs:         linkExpiry,
		},
	}
	if a := order.BillingAddress; a != nil {
		req.CustomerFirstName = a.FirstName
		req.CustomerLastName = a.LastName
		req.CustomerEmail = a.Email
		req.CustomerPhone = a.Phone
		req.BillingAddr1 = truncate(a.Address1, maxAddressLength)
		req.BillingCity = a.City
		req.BillingState = a.StateAbbreviation
		req.BillingZip = a.ZipPostalCode
	}
	return req, nil
}

// PostProcessPayment creates a hosted checkout for order and stores its id on the
// order before returning the checkout link. On any failure the shopper is sent to
// the order details page and no checkout id is stored; the returned error says why.
// The Redirect URL is always usable.
func (p *Processor) PostProcessPayment(ctx context.Context, order *orders.Order) (Redirect, error) {
	fallback := Redirect{URL: p.OrderDetailsURL(order.OrderID)}

	req, err := p.BuildRequest(order)
	if err != nil {
		log.Printf("[checkout] order=%s build request: %v", order.OrderID, err)
		p.record(ctx, OutcomeConversionFailed)
		return fallback, err
	}

	details, err := p.gateway.CreateCheckout(ctx, req)
	if err != nil {
		p.logGatewayError(order.OrderID, err)
		p.record(ctx, outcomeFor(err))
		return fallback, err
	}

	if err := p.orders.SetAttribute(ctx, order.OrderID, orders.CheckoutIDAttribute, details.CheckoutID); err != nil {
		log.Printf("[checkout] order=%s store checkout id %s: %v", order.OrderID, details.CheckoutID, err)
		p.record(ctx, OutcomeAttributeNotStored)
		return fallback, fmt.Errorf("store checkout id: %w", err)
	}

	log.Printf("[checkout] order=%s checkout=%s redirecting to hosted page", order.OrderID, details.CheckoutID)
	p.record(ctx, OutcomeRedirected)
	return Redirect{URL: details.CheckoutLink, CheckoutID: details.CheckoutID}, nil
}

// CanRePostProcessPayment reports whether the shopper may start another checkout for
// order. Orders younger than five seconds are refused.
func (p *Processor) CanRePostProcessPayment(order *orders.Order) bool {
	if order == nil {
		return false
	}
	return p.nowFunc().Sub(order.CreatedAt) >= rePostDelay
}

// AdditionalHandlingFee is the payment method fee for a cart subtotal: the fixed fee,
// or that percentage of subtotal, rounded to cents. Never negative.
func (p *Processor) AdditionalHandlingFee(subtotal decimal.Decimal) decimal.Decimal {
	fee := p.settings.AdditionalFee
	if !fee.IsPositive() {
		return decimal.Zero
	}
	if p.settings.AdditionalFeePercentage {
		fee = subtotal.Mul(fee).Div(decimal.NewFromInt(100))
	}
	fee = fee.Round(2)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

func (p *Processor) logGatewayError(orderID string, err error) {
	var ge *qualpay.GatewayError
	var te *qualpay.TransportError
	switch {
	case errors.Is(err, qualpay.ErrNotConfigured):
		log.Printf("[checkout] order=%s: %v", orderID, err)
	case errors.As(err, &ge):
		log.Printf("[checkout] order=%s gateway rejected checkout: code=%d message=%q", orderID, int(ge.Code), ge.Message)
	case errors.As(err, &te) && te.Body != "":
		log.Printf("[checkout] order=%s transport error: status=%d body=%q", orderID, te.StatusCode, te.Body)
	default:
		log.Printf("[checkout] order=%s create checkout: %v", orderID, err)
	}
}

func (p *Processor) record(ctx context.Context, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordOutcome(ctx, metrics.FlowCheckout, outcome)
	}
}

func outcomeFor(err error) string {
	var ge *qualpay.GatewayError
	switch {
	case errors.Is(err, qualpay.ErrNotConfigured):
		return OutcomeNotConfigured
	case errors.As(err, &ge):
		return OutcomeGatewayRejected
	case errors.Is(err, qualpay.ErrInvalidResponse):
		return OutcomeInvalidResponse
	default:
		return OutcomeTransportError
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
