package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/testutil"
)

func newTestProcessor(t *testing.T) (*Processor, *orders.Store, *testutil.FakeDynamo) {
	t.Helper()
	fake := testutil.NewFakeDynamo(map[string]string{"orders": "order_id"})
	store := orders.NewStore(fake, "orders")
	return NewProcessor(store), store, fake
}

func seedOrder(t *testing.T, store *orders.Store, id, status, payment string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), orders.Order{
		OrderID:       id,
		Status:        status,
		PaymentStatus: payment,
		Total:         "10.00",
		CurrencyCode:  "USD",
		CreatedAt:     time.Now(),
	}))
}

func paidEvent(t *testing.T, messageID, orderID string) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(aws.PaymentEvent{
		Type:          aws.EventOrderPaid,
		OrderID:       orderID,
		CheckoutID:    "chk_1",
		TransactionID: "pg-1",
		Amount:        "10.00",
		OccurredAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return events.SQSMessage{MessageId: messageID, Body: string(body)}
}

func TestWorkerProcess_CompletesPaidOrder(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	seedOrder(t, store, "o1", orders.StatusPending, orders.PaymentPending)
	require.NoError(t, store.MarkPaid(ctx, "o1"))

	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{paidEvent(t, "m1", "o1")}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	o, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)

	// redelivered event is a no-op
	resp, err = p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{paidEvent(t, "m2", "o1")}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestWorkerProcess_SkipsWithoutFailure(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	seedOrder(t, store, "refunded", orders.StatusProcessing, orders.PaymentRefunded)
	seedOrder(t, store, "cancelled", orders.StatusCancelled, orders.PaymentPaid)

	other := events.SQSMessage{MessageId: "m3", Body: `{"type":"order.refunded","order_id":"x"}`}
	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{
		paidEvent(t, "m1", "refunded"),
		paidEvent(t, "m2", "cancelled"),
		other,
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	o, err := store.Get(ctx, "refunded")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
}

func TestWorkerProcess_ReportsFailedMessages(t *testing.T) {
	p, store, fake := newTestProcessor(t)
	ctx := context.Background()
	seedOrder(t, store, "o1", orders.StatusPending, orders.PaymentPending)
	require.NoError(t, store.MarkPaid(ctx, "o1"))

	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad", Body: `{"type":`},
		paidEvent(t, "missing", "nope"),
		paidEvent(t, "ok", "o1"),
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "bad", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "missing", resp.BatchItemFailures[1].ItemIdentifier)

	fake.Err = func(op, table string) error {
		if op == "GetItem" {
			return errors.New("throttled")
		}
		return nil
	}
	resp, err = p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{paidEvent(t, "again", "o1")}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
}

func TestWorkerProcess_AdvancesPendingPaidOrder(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	seedOrder(t, store, "o1", orders.StatusPending, orders.PaymentPaid)

	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{paidEvent(t, "m1", "o1")}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	o, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)
}
