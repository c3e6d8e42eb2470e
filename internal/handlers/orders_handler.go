package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-qualpay-checkout/internal/idempotency"
	"github.com/imrishuroy/go-qualpay-checkout/internal/orders"
	"github.com/imrishuroy/go-qualpay-checkout/internal/validation"
)

// OrdersConfig groups dependencies for the orders handler.
type OrdersConfig struct {
	Orders          *orders.Store
	Idempotency     *idempotency.Store
	PrimaryCurrency string
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg OrdersConfig) {
	v := validation.New()
	idempStore := cfg.Idempotency
	ordersStore := cfg.Orders

	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		// Bind + validate request
		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Require idempotency key header
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		orderID := uuid.NewString()
		order := newOrder(orderID, req, cfg.PrimaryCurrency)

		// idempotency record and order are written atomically
		rec := idempStore.NewRecord(idempKey, orderID)
		err := ordersStore.CreateWithIdempotencyTransaction(ctx, idempStore.TableName(), rec, order, idempStore.TTLWindow())
		if err != nil {
			replayIdempotent(c, idempStore, idempKey, err)
			return
		}

		// stored so a retried request gets the same answer
		responseBody, _ := json.Marshal(gin.H{"order_id": orderID, "status": orders.StatusPending})
		if err := idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated); err != nil {
			log.Printf("[orders] order=%s mark idempotency key done: %v", orderID, err)
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", orderID))
		c.Data(http.StatusCreated, "application/json", responseBody)
	})

	r.GET("/orders/:order_id", func(c *gin.Context) {
		order, err := ordersStore.Get(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, order)
	})
}

// replayIdempotent answers a request whose idempotency key was already used.
func replayIdempotent(c *gin.Context, idempStore *idempotency.Store, idempKey string, createErr error) {
	rec, getErr := idempStore.Get(c.Request.Context(), idempKey)
	if getErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": getErr.Error()})
		return
	}
	if rec == nil {
		// Unexpected: transaction failed but no record found
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record", "detail": createErr.Error()})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
	case idempotency.StatusFailed:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "order_id": rec.OrderID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}

func newOrder(orderID string, req validation.CreateOrderRequest, primaryCurrency string) orders.Order {
	currencyCode := strings.ToUpper(req.CurrencyCode)
	if currencyCode == "" {
		currencyCode = primaryCurrency
	}
	now := time.Now().UTC()
	order := orders.Order{
		OrderID:       orderID,
		CustomerID:    req.CustomerID,
		Status:        orders.StatusPending,
		PaymentStatus: orders.PaymentPending,
		Total:         req.Amount.StringFixed(2),
		CurrencyCode:  currencyCode,
		Metadata:      req.Metadata,
		Attributes:    map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if a := req.BillingAddress; a != nil {
		order.BillingAddress = &orders.Address{
			FirstName:         a.FirstName,
			LastName:          a.LastName,
			Email:             a.Email,
			Phone:             a.Phone,
			Address1:          a.Address1,
			City:              a.City,
			StateAbbreviation: a.State,
			ZipPostalCode:     a.ZipPostalCode,
		}
	}
	items := make([]map[string]interface{}, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, map[string]interface{}{
			"sku":      it.SKU,
			"quantity": it.Quantity,
			"price":    it.Price.String(),
		})
	}
	order.Items = items
	return order
}
