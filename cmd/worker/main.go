package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
)

func main() {
	ordersTable := os.Getenv("ORDERS_TABLE")
	if ordersTable == "" {
		log.Fatalf("ORDERS_TABLE is required")
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}
	p := NewProcessor(orders.NewStore(clients.DynamoDB, ordersTable))

	// If RUN_LOCAL=true, process a single simulated SQS event.
	if os.Getenv("RUN_LOCAL") == "true" {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"type":"order.paid","order_id":"local-order-1"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: testBody}},
		}
		resp, _ := p.Handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local handler failed for %d message(s)", len(resp.BatchItemFailures))
		}
		return
	}

	lambda.Start(p.Handle)
}
