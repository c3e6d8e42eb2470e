package handlers

import (
	"io"
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-qualpay-checkout/internal/checkout"
	"github.com/imrishuroy/go-qualpay-checkout/internal/notification"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
)

// Notification routes. The second is the callback URL sent with every checkout.
const (
	NotificationPath       = "/payment-notifications/qualpay"
	PluginNotificationPath = "/Plugins/QualpayCheckout/IPN"
)

const maxNotificationBytes = 64 << 10

// PaymentsConfig groups dependencies for the payment routes.
type PaymentsConfig struct {
	Orders     *orders.Store
	Checkout   *checkout.Processor
	Reconciler *notification.Reconciler
}

// RegisterPaymentRoutes registers checkout redirect, notification and payment method routes.
func RegisterPaymentRoutes(r *gin.Engine, cfg PaymentsConfig) {
	r.POST("/orders/:order_id/checkout", func(c *gin.Context) {
		ctx := c.Request.Context()
		order, err := cfg.Orders.Get(ctx, c.Param("order_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		if !orders.CanMarkPaid(order) {
			c.JSON(http.StatusConflict, gin.H{"error": "order_not_payable", "order_id": order.OrderID})
			return
		}
		// a checkout was already started for this order
		if order.Attribute(orders.CheckoutIDAttribute) != "" && !cfg.Checkout.CanRePostProcessPayment(order) {
			c.JSON(http.StatusConflict, gin.H{"error": "checkout_retry_too_soon", "order_id": order.OrderID})
			return
		}

		// failures already fell back to the order details page
		redirect, _ := cfg.Checkout.PostProcessPayment(ctx, order)
		c.Redirect(http.StatusFound, redirect.URL)
	})

	ipn := func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
		if err != nil {
			log.Printf("[ipn] read body: %v", err)
			c.Status(http.StatusBadRequest)
			return
		}
		// every readable delivery is acknowledged; the gateway retries anything else
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[ipn] panic handling notification: %v\n%s", p, debug.Stack())
				c.Status(http.StatusOK)
			}
		}()
		cfg.Reconciler.Handle(c.Request.Context(), raw)
		c.Status(http.StatusOK)
	}
	r.POST(NotificationPath, ipn)
	r.POST(PluginNotificationPath, ipn)

	r.GET("/payment-methods/qualpay", func(c *gin.Context) {
		subtotal := decimal.Zero
		if s := c.Query("subtotal"); s != "" {
			d, err := decimal.NewFromString(s)
			if err != nil || d.IsNegative() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subtotal"})
				return
			}
			subtotal = d
		}
		c.JSON(http.StatusOK, gin.H{
			"name":                   "Qualpay Checkout",
			"additional_fee":         cfg.Checkout.AdditionalHandlingFee(subtotal).StringFixed(2),
			"configuration_page_url": cfg.Checkout.ConfigurationPageURL(),
		})
	})
}
