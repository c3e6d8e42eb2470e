package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateOrderRequest_Valid(t *testing.T) {
	v := New()

	now := time.Now()
	req := CreateOrderRequest{
		CustomerID: "cust-123",
		Items: []Item{
			{SKU: "sku-1", Quantity: 2, Price: d("10.00")},
			{SKU: "sku-2", Quantity: 1, Price: d("5.50")},
		},
		Amount:       d("25.50"), // 2*10 + 1*5.5 = 25.5
		CurrencyCode: "USD",
		BillingAddress: &BillingAddress{
			FirstName: "Ada",
			Email:     "ada@example.com",
			State:     "NY",
		},
		Metadata:  map[string]interface{}{"note": "test"},
		CreatedAt: &now,
	}

	require.NoError(t, v.Struct(req))
}

func TestCreateOrderRequest_ExactCents(t *testing.T) {
	v := New()
	// 3 * 0.10 is 0.30 exactly in decimal
	req := CreateOrderRequest{
		CustomerID: "c",
		Items:      []Item{{SKU: "s", Quantity: 3, Price: d("0.10")}},
		Amount:     d("0.30"),
	}
	assert.NoError(t, v.Struct(req))
}

func TestCreateOrderRequest_InvalidAmountMismatch(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		CustomerID: "cust-123",
		Items:      []Item{{SKU: "sku-1", Quantity: 1, Price: d("10.00")}},
		Amount:     d("9.99"), // mismatch
	}

	err := v.Struct(req)
	require.Error(t, err)
	var ve validatorv10.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount_match_items", ve[0].Tag())
}

func TestCreateOrderRequest_MissingFields(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		// CustomerID missing
		Items: []Item{},
	}

	assert.Error(t, v.Struct(req))
}

func TestCreateOrderRequest_InvalidFields(t *testing.T) {
	v := New()
	base := func() CreateOrderRequest {
		return CreateOrderRequest{
			CustomerID: "c",
			Items:      []Item{{SKU: "s", Quantity: 1, Price: d("1.00")}},
			Amount:     d("1.00"),
		}
	}

	negative := base()
	negative.Items[0].Price = d("-1.00")
	negative.Amount = d("-1.00")
	assert.Error(t, v.Struct(negative))

	currency := base()
	currency.CurrencyCode = "DOLLARS"
	assert.Error(t, v.Struct(currency))

	email := base()
	email.BillingAddress = &BillingAddress{Email: "not-an-email"}
	assert.Error(t, v.Struct(email))
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	cases := []struct {
		name   string
		body   string
		status int
		errKey string
	}{
		{"valid", `{"customer_id":"c","items":[{"sku":"s","quantity":2,"price":"1.25"}],"amount":2.50}`, http.StatusOK, ""},
		{"bad json", `{"customer_id":`, http.StatusBadRequest, "invalid_request_body"},
		{"invalid", `{"customer_id":"c","items":[{"sku":"s","quantity":1,"price":1}],"amount":3}`, http.StatusBadRequest, "validation_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(tc.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req CreateOrderRequest
			err := BindAndValidate(c, &req, v)
			if tc.errKey == "" {
				require.NoError(t, err)
				assert.True(t, d("2.50").Equal(req.Amount))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.errKey)
		})
	}
}

func TestBindAndValidate_FieldErrorsUseJSONPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := `{"customer_id":"c","items":[{"sku":"s","quantity":0,"price":"1.00"}],"amount":5,"currency_code":"DOLLARS"}`
	c.Request = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req CreateOrderRequest
	require.Error(t, BindAndValidate(c, &req, New()))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed", resp.Error)
	assert.Equal(t, "is required", resp.Fields["items[0].quantity"])
	assert.Equal(t, "must equal the sum of item price times quantity", resp.Fields["amount"])
	assert.Equal(t, "must be exactly 3 characters", resp.Fields["currency_code"])
}

func TestBindAndValidate_BadBodyHasDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"amount":"ten"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req CreateOrderRequest
	require.Error(t, BindAndValidate(c, &req, New()))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request_body", resp["error"])
	assert.NotEmpty(t, resp["detail"])
}
