package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
)

// OrderStore is the part of the order store the worker needs.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error
}

// Processor consumes payment events and completes paid orders.
type Processor struct {
	orders OrderStore
}

// NewProcessor creates a worker processor over the order store.
func NewProcessor(store OrderStore) *Processor {
	return &Processor{orders: store}
}

// Handle processes an SQS batch. Failed messages are reported individually so
// only they are redelivered; repeated failures end up in the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var ev aws.PaymentEvent
	if err := json.Unmarshal([]byte(rec.Body), &ev); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if ev.Type != aws.EventOrderPaid {
		log.Printf("[worker] ignoring event type=%q order=%s", ev.Type, ev.OrderID)
		return nil
	}

	log.Printf("[worker] received %s order=%s checkout=%s pg=%s", ev.Type, ev.OrderID, ev.CheckoutID, ev.TransactionID)

	order, err := p.orders.Get(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order not found: %s", ev.OrderID)
	}
	if order.PaymentStatus != orders.PaymentPaid {
		// refunded or voided since the event was published
		log.Printf("[worker] order=%s payment=%s, not completing", order.OrderID, order.PaymentStatus)
		return nil
	}

	switch order.Status {
	case orders.StatusCompleted:
		log.Printf("[worker] already completed order=%s", order.OrderID)
		return nil
	case orders.StatusCancelled:
		log.Printf("[worker] order=%s cancelled after payment, not completing", order.OrderID)
		return nil
	case orders.StatusPending:
		// mark-paid could not advance the status
		err := p.orders.UpdateStatus(ctx, order.OrderID, orders.StatusPending, orders.StatusProcessing)
		if err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
			return fmt.Errorf("update status to PROCESSING: %w", err)
		}
	}

	// PROCESSING -> COMPLETED; the conditional write absorbs duplicate events
	err = p.orders.UpdateStatus(ctx, order.OrderID, orders.StatusProcessing, orders.StatusCompleted)
	if errors.Is(err, orders.ErrStatusMismatch) {
		current, getErr := p.orders.Get(ctx, order.OrderID)
		if getErr == nil && current != nil && current.Status == orders.StatusCompleted {
			log.Printf("[worker] duplicate event for order=%s", order.OrderID)
			return nil
		}
		return fmt.Errorf("order=%s status changed to %q", order.OrderID, statusOf(current))
	}
	if err != nil {
		return fmt.Errorf("update status to COMPLETED: %w", err)
	}

	log.Printf("[worker] completed order=%s", order.OrderID)
	return nil
}

func statusOf(o *orders.Order) string {
	if o == nil {
		return ""
	}
	return o.Status
}
