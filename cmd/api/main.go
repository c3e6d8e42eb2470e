package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
	"github.com/imrishuroy/go-qualpay-checkout/internal/checkout"
	"github.com/imrishuroy/go-qualpay-checkout/internal/config"
	"github.com/imrishuroy/go-qualpay-checkout/internal/currency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/handlers"
	"github.com/imrishuroy/go-qualpay-checkout/internal/idempotency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/metrics"
	"github.com/imrishuroy/go-qualpay-checkout/internal/notification"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/qualpay"
)

func setupRouter(ordersCfg handlers.OrdersConfig, paymentsCfg handlers.PaymentsConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, ordersCfg)
	handlers.RegisterPaymentRoutes(r, paymentsCfg)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	if !cfg.Qualpay.Configured() {
		// checkouts fall back to the order details page until credentials are set
		log.Printf("[checkout] Qualpay Checkout is not configured, see %sAdmin/QualpayCheckout/Configure", cfg.StoreURL)
	}

	gateway := qualpay.NewClient(
		qualpay.Credentials{MerchantID: cfg.Qualpay.MerchantID, SecurityKey: cfg.Qualpay.SecurityKey},
		cfg.Qualpay.UseSandbox,
		qualpay.WithHTTPClient(&http.Client{Timeout: cfg.GatewayTimeout}),
	)
	converter := currency.NewStaticConverter(cfg.CurrencyRates)
	emitter := metrics.NewEmitter(clients.CloudWatch, cfg.MetricsNamespace)

	ordersStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable)
	idempStore := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)

	processor := checkout.NewProcessor(checkout.Config{
		Gateway:         gateway,
		Orders:          ordersStore,
		Converter:       converter,
		Settings:        cfg.Qualpay,
		StoreURL:        cfg.StoreURL,
		PrimaryCurrency: cfg.PrimaryCurrency,
		Metrics:         emitter,
	})
	reconciler := notification.NewReconciler(notification.Config{
		Orders:          ordersStore,
		Converter:       converter,
		PrimaryCurrency: cfg.PrimaryCurrency,
		Ledger:          idempotency.NewDeliveryLedger(idempStore, cfg.DeliveryClaimLease),
		Publisher:       aws.NewPublisher(clients.SQS, cfg.PaymentEventsQueueURL),
		Metrics:         emitter,
	})

	r := setupRouter(
		handlers.OrdersConfig{Orders: ordersStore, Idempotency: idempStore, PrimaryCurrency: cfg.PrimaryCurrency},
		handlers.PaymentsConfig{Orders: ordersStore, Checkout: processor, Reconciler: reconciler},
	)

	// RUN_LOCAL=true runs a local HTTP server for development.
	if cfg.RunLocal {
		log.Printf("running local server on %s", cfg.Addr)
		if err := r.Run(cfg.Addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
