// Package notification applies gateway transaction notifications to orders.
//
// A notification marks its order paid at most once. It must name an existing order,
// carry the checkout id stored on that order, and match the order total to the cent.
// The stored checkout id is removed with a conditional write before the order is
// touched, so redelivered or concurrent copies of the same notification find nothing
// to match.
package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/currency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/metrics"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/qualpay"
)

// Outcome is the result of handling one notification. Every outcome is acknowledged
// to the gateway with HTTP 200.
type Outcome string

const (
	OutcomeMalformed           Outcome = "malformed"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeOrderNotFound       Outcome = "order_not_found"
	OutcomeCorrelationMismatch Outcome = "correlation_mismatch"
	OutcomeAmountMismatch      Outcome = "amount_mismatch"
	OutcomeNotEligible         Outcome = "not_eligible"
	OutcomePaid                Outcome = "paid"
	OutcomeError               Outcome = "error"
)

func (o Outcome) String() string { return string(o) }

// OrderStore is the order persistence the reconciler needs.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	AppendNote(ctx context.Context, orderID string, note orders.Note) error
	SetAttribute(ctx context.Context, orderID, key, value string) error
	ClearAttributeIf(ctx context.Context, orderID, key, expected string) error
	SetPaymentDetails(ctx context.Context, orderID string, p orders.PaymentDetails) error
	MarkPaid(ctx context.Context, orderID string) error
}

// Ledger remembers deliveries already handled. Claim returns false for a delivery
// another caller owns or finished.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key, outcome string) error
	Release(ctx context.Context, key, reason string) error
}

// EventPublisher announces paid orders.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, ev aws.PaymentEvent) error
}

// Config groups the reconciler dependencies. Only Orders is required.
type Config struct {
	Orders          OrderStore
	Converter       currency.Converter
	PrimaryCurrency string
	// CanMarkPaid defaults to orders.CanMarkPaid.
	CanMarkPaid func(*orders.Order) bool
	Ledger      Ledger
	Publisher   EventPublisher
	Metrics     metrics.Recorder
}

// Reconciler validates notifications and applies the paid transition.
type Reconciler struct {
	orders          OrderStore
	converter       currency.Converter
	primaryCurrency string
	canMarkPaid     func(*orders.Order) bool
	ledger          Ledger
	publisher       EventPublisher
	metrics         metrics.Recorder
	nowFunc         func() time.Time
	publishBackoff  time.Duration
}

// NewReconciler returns a Reconciler.
func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		orders:          cfg.Orders,
		converter:       cfg.Converter,
		primaryCurrency: cfg.PrimaryCurrency,
		canMarkPaid:     cfg.CanMarkPaid,
		ledger:          cfg.Ledger,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		nowFunc:         time.Now,
		publishBackoff:  100 * time.Millisecond,
	}
	if r.converter == nil {
		r.converter = currency.NewStaticConverter(nil)
	}
	if r.primaryCurrency == "" {
		r.primaryCurrency = currency.USD
	}
	if r.canMarkPaid == nil {
		r.canMarkPaid = orders.CanMarkPaid
	}
	return r
}

// Handle processes one raw notification body. Errors are logged, never returned:
// the gateway redelivers anything that is not acknowledged.
func (r *Reconciler) Handle(ctx context.Context, raw []byte) Outcome {
	tx, err := qualpay.ParseTransaction(raw)
	if err != nil {
		log.Printf("[ipn] malformed notification: %v", err)
		r.record(ctx, OutcomeMalformed)
		return OutcomeMalformed
	}

	key := DeliveryKey(tx, raw)
	if r.ledger != nil {
		claimed, err := r.ledger.Claim(ctx, key)
		switch {
		case err != nil:
			// the conditional writes below still keep the transition single
			log.Printf("[ipn] delivery=%s ledger unavailable, continuing: %v", key, err)
		case !claimed:
			log.Printf("[ipn] delivery=%s already handled", key)
			r.record(ctx, OutcomeDuplicate)
			return OutcomeDuplicate
		}
	}

	outcome, reason := r.reconcile(ctx, tx, raw)
	r.record(ctx, outcome)

	if r.ledger != nil {
		if outcome == OutcomeError {
			err = r.ledger.Release(ctx, key, reason)
		} else {
			err = r.ledger.Complete(ctx, key, outcome.String())
		}
		if err != nil {
			log.Printf("[ipn] delivery=%s record %s: %v", key, outcome, err)
		}
	}
	return outcome
}

func (r *Reconciler) reconcile(ctx context.Context, tx *qualpay.Transaction, raw []byte) (Outcome, string) {
	if tx.PurchaseID == "" {
		log.Printf("[ipn] checkout=%s notification without purchase id", tx.CheckoutID)
		return OutcomeOrderNotFound, ""
	}
	order, err := r.orders.Get(ctx, tx.PurchaseID)
	if err != nil {
		log.Printf("[ipn] order=%s lookup: %v", tx.PurchaseID, err)
		return OutcomeError, err.Error()
	}
	if order == nil {
		log.Printf("[ipn] order=%s not found for checkout=%s", tx.PurchaseID, tx.CheckoutID)
		return OutcomeOrderNotFound, ""
	}

	// an order without a pending checkout never matches, even an empty checkout id
	pending := order.Attribute(orders.CheckoutIDAttribute)
	if pending == "" || pending != tx.CheckoutID {
		log.Printf("[ipn] order=%s checkout=%q does not match pending checkout=%q", order.OrderID, tx.CheckoutID, pending)
		return OutcomeCorrelationMismatch, ""
	}

	note := orders.Note{Text: string(raw), DisplayToCustomer: false, CreatedAt: r.nowFunc().UTC()}
	if err := r.orders.AppendNote(ctx, order.OrderID, note); err != nil {
		log.Printf("[ipn] order=%s append note: %v", order.OrderID, err)
		return OutcomeError, err.Error()
	}

	match, err := r.amountMatches(order, tx)
	if err != nil {
		log.Printf("[ipn] order=%s compare amount: %v", order.OrderID, err)
		return OutcomeError, err.Error()
	}
	if !match {
		log.Printf("[ipn] order=%s amount %s does not match order total %s %s", order.OrderID, tx.Amount.StringFixed(2), order.Total, order.CurrencyCode)
		return OutcomeAmountMismatch, ""
	}

	// The clear is the fence: of several identical deliveries only one gets past it.
	err = r.orders.ClearAttributeIf(ctx, order.OrderID, orders.CheckoutIDAttribute, tx.CheckoutID)
	if errors.Is(err, orders.ErrAttributeMismatch) {
		log.Printf("[ipn] order=%s checkout=%s applied by a concurrent delivery", order.OrderID, tx.CheckoutID)
		return OutcomeDuplicate, ""
	}
	if err != nil {
		log.Printf("[ipn] order=%s clear checkout id: %v", order.OrderID, err)
		return OutcomeError, err.Error()
	}

	current, err := r.orders.Get(ctx, order.OrderID)
	if err != nil || current == nil {
		if err == nil {
			err = orders.ErrNotFound
		}
		log.Printf("[ipn] order=%s reload: %v", order.OrderID, err)
		r.restore(ctx, order.OrderID, tx.CheckoutID)
		return OutcomeError, err.Error()
	}
	if !r.canMarkPaid(current) {
		log.Printf("[ipn] order=%s cannot be marked paid (status=%s payment=%s)", current.OrderID, current.Status, current.PaymentStatus)
		return OutcomeNotEligible, ""
	}

	details := orders.PaymentDetails{
		AuthorizationCode: tx.AuthCode,
		TransactionID:     tx.TransactionID,
		Result:            tx.ResponseMsg,
	}
	if err := r.orders.SetPaymentDetails(ctx, current.OrderID, details); err != nil {
		log.Printf("[ipn] order=%s set payment details: %v", current.OrderID, err)
		r.restore(ctx, current.OrderID, tx.CheckoutID)
		return OutcomeError, err.Error()
	}

	err = r.orders.MarkPaid(ctx, current.OrderID)
	if errors.Is(err, orders.ErrStatusMismatch) {
		log.Printf("[ipn] order=%s changed before it could be marked paid", current.OrderID)
		return OutcomeNotEligible, ""
	}
	if err != nil {
		log.Printf("[ipn] order=%s mark paid: %v", current.OrderID, err)
		r.restore(ctx, current.OrderID, tx.CheckoutID)
		return OutcomeError, err.Error()
	}

	log.Printf("[ipn] order=%s paid by transaction=%s", current.OrderID, tx.TransactionID)
	r.publish(ctx, current.OrderID, tx)
	return OutcomePaid, ""
}

// amountMatches compares the order total in USD and the notification amount, each
// rounded to cents.
func (r *Reconciler) amountMatches(order *orders.Order, tx *qualpay.Transaction) (bool, error) {
	total, err := order.TotalAmount()
	if err != nil {
		return false, err
	}
	from := order.CurrencyCode
	if from == "" {
		from = r.primaryCurrency
	}
	usd, err := r.converter.Convert(total, from, currency.USD)
	if err != nil {
		return false, err
	}
	return usd.Round(2).Equal(tx.Amount.Round(2)), nil
}

// restore puts the checkout id back so a redelivery can finish the work.
func (r *Reconciler) restore(ctx context.Context, orderID, checkoutID string) {
	if err := r.orders.SetAttribute(ctx, orderID, orders.CheckoutIDAttribute, checkoutID); err != nil {
		log.Printf("[ipn] order=%s restore checkout id %s: %v", orderID, checkoutID, err)
	}
}

// Payment event outcomes, recorded under metrics.FlowPaymentEvents.
const (
	eventPublished     = "published"
	eventPublishFailed = "publish_failed"
)

const publishAttempts = 3

// publish announces the paid order. The transition is already committed, so a
// failure is retried briefly and then counted; it never changes the delivery outcome.
func (r *Reconciler) publish(ctx context.Context, orderID string, tx *qualpay.Transaction) {
	if r.publisher == nil {
		return
	}
	ev := aws.PaymentEvent{
		Type:          aws.EventOrderPaid,
		OrderID:       orderID,
		CheckoutID:    tx.CheckoutID,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount.StringFixed(2),
		OccurredAt:    r.nowFunc().UTC(),
	}

	if err := r.sendWithRetry(ctx, ev); err != nil {
		log.Printf("[ipn] order=%s %s event lost: %v", orderID, ev.Type, err)
		r.recordEvent(ctx, eventPublishFailed)
		return
	}
	r.recordEvent(ctx, eventPublished)
}

func (r *Reconciler) sendWithRetry(ctx context.Context, ev aws.PaymentEvent) error {
	for attempt := 1; ; attempt++ {
		err := r.publisher.PublishPaymentEvent(ctx, ev)
		if err == nil || attempt == publishAttempts {
			return err
		}
		log.Printf("[ipn] order=%s publish %s attempt %d/%d: %v", ev.OrderID, ev.Type, attempt, publishAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.publishBackoff):
		}
	}
}

func (r *Reconciler) recordEvent(ctx context.Context, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, metrics.FlowPaymentEvents, outcome)
	}
}

func (r *Reconciler) record(ctx context.Context, outcome Outcome) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, metrics.FlowNotification, outcome.String())
	}
}

// DeliveryKey identifies one delivery of a transaction notification. Redeliveries of
// the same transaction share the key.
func DeliveryKey(tx *qualpay.Transaction, raw []byte) string {
	if tx.TransactionID != "" {
		return "ipn:" + tx.CheckoutID + ":" + tx.TransactionID
	}
	sum := sha256.Sum256(raw)
	return "ipn:" + hex.EncodeToString(sum[:])
}
