package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/currency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/idempotency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/qualpay"
	"github.com/imrishuroy/go-qualpay-checkout/internal/testutil"
)

// countingStore counts MarkPaid invocations and can fail them.
type countingStore struct {
	*orders.Store
	markPaid    int32
	markPaidErr error
}

func (s *countingStore) MarkPaid(ctx context.Context, orderID string) error {
	atomic.AddInt32(&s.markPaid, 1)
	if s.markPaidErr != nil {
		return s.markPaidErr
	}
	return s.Store.MarkPaid(ctx, orderID)
}

// fakePublisher fails the first failures calls.
type fakePublisher struct {
	mu       sync.Mutex
	events   []aws.PaymentEvent
	calls    int
	failures int
}

func (p *fakePublisher) PublishPaymentEvent(ctx context.Context, ev aws.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("sqs unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

type fakeMetrics struct {
	mu  sync.Mutex
	got []string
}

func (m *fakeMetrics) RecordOutcome(ctx context.Context, flow, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, flow+":"+outcome)
}

type harness struct {
	fake      *testutil.FakeDynamo
	store     *countingStore
	publisher *fakePublisher
	metrics   *fakeMetrics
	idemp     *idempotency.Store
	ledger    *idempotency.DeliveryLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := testutil.NewFakeDynamo(map[string]string{
		"orders":      "order_id",
		"idempotency": "idempotency_key",
	})
	idemp := idempotency.NewStore(fake, "idempotency", time.Hour)
	return &harness{
		fake:      fake,
		store:     &countingStore{Store: orders.NewStore(fake, "orders")},
		publisher: &fakePublisher{},
		metrics:   &fakeMetrics{},
		idemp:     idemp,
		ledger:    idempotency.NewDeliveryLedger(idemp, time.Minute),
	}
}

// ageClaim backdates the ledger record for raw, as if its owner stopped long ago.
func (h *harness) ageClaim(t *testing.T, raw []byte, age time.Duration) {
	t.Helper()
	tx, err := qualpay.ParseTransaction(raw)
	require.NoError(t, err)
	item := h.fake.Item("idempotency", DeliveryKey(tx, raw))
	require.NotNil(t, item)
	item["updated_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Add(-age).Format(time.RFC3339)}
	h.fake.Seed("idempotency", item)
}

func (h *harness) reconciler(withLedger bool) *Reconciler {
	cfg := Config{
		Orders:    h.store,
		Publisher: h.publisher,
		Metrics:   h.metrics,
	}
	if withLedger {
		cfg.Ledger = h.ledger
	}
	return NewReconciler(cfg)
}

func (h *harness) seed(t *testing.T, o orders.Order) {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), o))
}

func (h *harness) order(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func pendingOrder(id, total, checkoutID string) orders.Order {
	return orders.Order{
		OrderID:      id,
		Total:        total,
		CurrencyCode: "USD",
		Attributes:   map[string]string{orders.CheckoutIDAttribute: checkoutID},
	}
}

func notificationBody(checkoutID, pgID, purchaseID, amount string) []byte {
	return []byte(fmt.Sprintf(`{"checkout_id":%q,"pg_id":%q,"rcode":"000","rmsg":"Approved T12345","tran_status":"C","amt_tran":%s,"tran_currency":840,"purchase_id":%q,"auth_code":"T12345"}`,
		checkoutID, pgID, amount, purchaseID))
}

func TestHandle_Paid(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")

	got := h.reconciler(false).Handle(context.Background(), raw)
	assert.Equal(t, OutcomePaid, got)

	o := h.order(t, "order-1")
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, "T12345", o.AuthorizationTransactionCode)
	assert.Equal(t, "pg-1", o.CaptureTransactionID)
	assert.Equal(t, "Approved T12345", o.CaptureTransactionResult)
	assert.Empty(t, o.Attribute(orders.CheckoutIDAttribute))
	require.Len(t, o.Notes, 1)
	assert.Equal(t, string(raw), o.Notes[0].Text)
	assert.False(t, o.Notes[0].DisplayToCustomer)

	require.Len(t, h.publisher.events, 1)
	ev := h.publisher.events[0]
	assert.Equal(t, aws.EventOrderPaid, ev.Type)
	assert.Equal(t, "order-1", ev.OrderID)
	assert.Equal(t, "20.00", ev.Amount)
	assert.Equal(t, []string{"payment_events:published", "notification:paid"}, h.metrics.got)
}

func TestHandle_RedeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")
	r := h.reconciler(false)

	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), raw))
	assert.Equal(t, OutcomeCorrelationMismatch, r.Handle(context.Background(), raw))

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.store.markPaid))
	assert.Len(t, h.order(t, "order-1").Notes, 1, "a rejected redelivery adds no note")
	assert.Len(t, h.publisher.events, 1)
}

func TestHandle_RedeliveryWithLedgerIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")
	r := h.reconciler(true)

	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), raw))
	assert.Equal(t, OutcomeDuplicate, r.Handle(context.Background(), raw))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.store.markPaid))

	tx, err := qualpay.ParseTransaction(raw)
	require.NoError(t, err)
	rec, err := h.idemp.Get(context.Background(), DeliveryKey(tx, raw))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Equal(t, "paid", rec.ResponseBody)
}

func TestHandle_AmountRoundedOnBothSides(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "19.995", "chk_1"))

	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", `"20.00"`))
	assert.Equal(t, OutcomePaid, got)
}

func TestHandle_AmountMismatch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "19.99", "chk_1"))

	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00"))
	assert.Equal(t, OutcomeAmountMismatch, got)

	o := h.order(t, "order-1")
	assert.Len(t, o.Notes, 1, "the note is written once the checkout id matches")
	assert.Equal(t, "chk_1", o.Attribute(orders.CheckoutIDAttribute), "order stays pending")
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Zero(t, atomic.LoadInt32(&h.store.markPaid))
}

func TestHandle_CorrelationIsCaseSensitive(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "abc123"))

	got := h.reconciler(false).Handle(context.Background(), notificationBody("ABC123", "pg-1", "order-1", "20.00"))
	assert.Equal(t, OutcomeCorrelationMismatch, got)

	o := h.order(t, "order-1")
	assert.Empty(t, o.Notes)
	assert.Equal(t, "abc123", o.Attribute(orders.CheckoutIDAttribute))
}

func TestHandle_EmptyCheckoutIDNeverMatches(t *testing.T) {
	h := newHarness(t)
	h.seed(t, orders.Order{OrderID: "order-1", Total: "20.00", CurrencyCode: "USD"})

	got := h.reconciler(false).Handle(context.Background(), notificationBody("", "pg-1", "order-1", "20.00"))
	assert.Equal(t, OutcomeCorrelationMismatch, got)
	assert.Equal(t, orders.PaymentPending, h.order(t, "order-1").PaymentStatus)
}

func TestHandle_OrderNotFound(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))

	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-404", "20.00"))
	assert.Equal(t, OutcomeOrderNotFound, got)

	o := h.order(t, "order-1")
	assert.Empty(t, o.Notes)
	assert.Equal(t, "chk_1", o.Attribute(orders.CheckoutIDAttribute))

	got = h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "", "20.00"))
	assert.Equal(t, OutcomeOrderNotFound, got)
}

func TestHandle_AlreadyPaidOrder(t *testing.T) {
	h := newHarness(t)
	o := pendingOrder("order-1", "20.00", "chk_1")
	o.PaymentStatus = orders.PaymentPaid
	h.seed(t, o)

	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00"))
	assert.Equal(t, OutcomeNotEligible, got)

	stored := h.order(t, "order-1")
	assert.Len(t, stored.Notes, 1)
	assert.Empty(t, stored.Attribute(orders.CheckoutIDAttribute))
	assert.Empty(t, stored.CaptureTransactionID)
	assert.Zero(t, atomic.LoadInt32(&h.store.markPaid), "mark paid must not be invoked")
	assert.Empty(t, h.publisher.events)
}

func TestHandle_CustomEligibility(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	r := NewReconciler(Config{Orders: h.store, CanMarkPaid: func(*orders.Order) bool { return false }})

	assert.Equal(t, OutcomeNotEligible, r.Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00")))
}

func TestHandle_Malformed(t *testing.T) {
	h := newHarness(t)
	r := h.reconciler(true)
	for _, body := range []string{``, `null`, `{"checkout_id":`, `not json`} {
		assert.Equal(t, OutcomeMalformed, r.Handle(context.Background(), []byte(body)), body)
	}
	assert.Zero(t, h.fake.Calls["PutItem"], "malformed bodies never reach the ledger")
}

func TestHandle_ConvertsOrderCurrency(t *testing.T) {
	h := newHarness(t)
	o := pendingOrder("order-1", "10.00", "chk_1")
	o.CurrencyCode = "EUR"
	h.seed(t, o)
	r := NewReconciler(Config{
		Orders:    h.store,
		Converter: currency.NewStaticConverter(map[string]decimal.Decimal{"EUR": decimal.RequireFromString("1.10")}),
	})

	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "11.00")))
}

func TestHandle_UnknownCurrencyIsError(t *testing.T) {
	h := newHarness(t)
	o := pendingOrder("order-1", "10.00", "chk_1")
	o.CurrencyCode = "EUR"
	h.seed(t, o)

	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "11.00"))
	assert.Equal(t, OutcomeError, got)
	assert.Equal(t, "chk_1", h.order(t, "order-1").Attribute(orders.CheckoutIDAttribute))
}

func TestHandle_MarkPaidFailureRestoresCheckoutID(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")
	r := h.reconciler(true)

	h.store.markPaidErr = errors.New("dynamodb unavailable")
	assert.Equal(t, OutcomeError, r.Handle(context.Background(), raw))
	assert.Equal(t, "chk_1", h.order(t, "order-1").Attribute(orders.CheckoutIDAttribute))

	// the released delivery is retried by the gateway
	h.store.markPaidErr = nil
	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), raw))
	assert.Equal(t, orders.PaymentPaid, h.order(t, "order-1").PaymentStatus)
	assert.Len(t, h.publisher.events, 1)
}

func TestHandle_UnreleasedClaimExpires(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")
	r := h.reconciler(true)

	// the delivery fails and so does releasing its claim
	h.store.markPaidErr = errors.New("dynamodb unavailable")
	h.fake.Err = func(op, table string) error {
		if op == "UpdateItem" && table == "idempotency" {
			return errors.New("throttled")
		}
		return nil
	}
	assert.Equal(t, OutcomeError, r.Handle(context.Background(), raw))
	h.store.markPaidErr = nil
	h.fake.Err = nil
	assert.Equal(t, "chk_1", h.order(t, "order-1").Attribute(orders.CheckoutIDAttribute))

	// an immediate redelivery still sees the live claim
	assert.Equal(t, OutcomeDuplicate, r.Handle(context.Background(), raw))

	h.ageClaim(t, raw, 5*time.Minute)
	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), raw))
	assert.Equal(t, orders.PaymentPaid, h.order(t, "order-1").PaymentStatus)
	assert.Len(t, h.publisher.events, 1)
}

func TestHandle_AbandonedClaimIsTakenOver(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_2"))
	raw := notificationBody("chk_2", "pg-2", "order-1", "20.00")

	// an earlier invocation claimed the delivery and never finished
	tx, err := qualpay.ParseTransaction(raw)
	require.NoError(t, err)
	ok, err := h.ledger.Claim(context.Background(), DeliveryKey(tx, raw))
	require.NoError(t, err)
	require.True(t, ok)
	h.ageClaim(t, raw, 10*time.Minute)

	assert.Equal(t, OutcomePaid, h.reconciler(true).Handle(context.Background(), raw))
	o := h.order(t, "order-1")
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	assert.Empty(t, o.Attribute(orders.CheckoutIDAttribute))

	rec, err := h.idemp.Get(context.Background(), DeliveryKey(tx, raw))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusDone, rec.Status)
}

func TestHandle_StatusAdvanceFailureStillPays(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")

	// note, clear, payment details, mark paid, then the status advance
	updates := 0
	h.fake.Err = func(op, table string) error {
		if op != "UpdateItem" || table != "orders" {
			return nil
		}
		updates++
		if updates == 5 {
			return errors.New("throttled")
		}
		return nil
	}

	assert.Equal(t, OutcomePaid, h.reconciler(true).Handle(context.Background(), raw))
	h.fake.Err = nil

	o := h.order(t, "order-1")
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Empty(t, o.Attribute(orders.CheckoutIDAttribute))
	require.Len(t, h.publisher.events, 1, "the worker advances the order from the event")
}

func TestHandle_PublishRetried(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	h.publisher.failures = 2
	r := h.reconciler(false)
	r.publishBackoff = 0

	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00")))
	assert.Equal(t, 3, h.publisher.calls)
	assert.Len(t, h.publisher.events, 1)
	assert.Contains(t, h.metrics.got, "payment_events:published")
}

func TestHandle_PublishFailureIsCounted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
	h.publisher.failures = 10
	r := h.reconciler(false)
	r.publishBackoff = 0

	assert.Equal(t, OutcomePaid, r.Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00")))
	assert.Equal(t, 3, h.publisher.calls)
	assert.Empty(t, h.publisher.events)
	assert.Equal(t, []string{"payment_events:publish_failed", "notification:paid"}, h.metrics.got)
	assert.Equal(t, orders.PaymentPaid, h.order(t, "order-1").PaymentStatus)
}

func TestHandle_LookupErrorIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.fake.Err = func(op, table string) error {
		if op == "GetItem" && table == "orders" {
			return errors.New("throttled")
		}
		return nil
	}
	got := h.reconciler(false).Handle(context.Background(), notificationBody("chk_1", "pg-1", "order-1", "20.00"))
	assert.Equal(t, OutcomeError, got)
}

func TestHandle_ConcurrentDeliveriesPayOnce(t *testing.T) {
	for _, withLedger := range []bool{false, true} {
		t.Run(fmt.Sprintf("ledger=%v", withLedger), func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, pendingOrder("order-1", "20.00", "chk_1"))
			raw := notificationBody("chk_1", "pg-1", "order-1", "20.00")
			r := h.reconciler(withLedger)

			var paid int32
			var wg sync.WaitGroup
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if r.Handle(context.Background(), raw) == OutcomePaid {
						atomic.AddInt32(&paid, 1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), paid)
			assert.Equal(t, int32(1), atomic.LoadInt32(&h.store.markPaid))
			assert.Len(t, h.publisher.events, 1)
		})
	}
}

func TestDeliveryKey(t *testing.T) {
	tx := &qualpay.Transaction{CheckoutID: "chk_1", TransactionID: "pg-1"}
	assert.Equal(t, "ipn:chk_1:pg-1", DeliveryKey(tx, nil))

	noID := &qualpay.Transaction{CheckoutID: "chk_1"}
	a := DeliveryKey(noID, []byte(`{"a":1}`))
	b := DeliveryKey(noID, []byte(`{"a":2}`))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DeliveryKey(noID, []byte(`{"a":1}`)))
}
