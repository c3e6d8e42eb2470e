package qualpay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	SandboxBaseURL    = "https://app-test.qualpay.com/service/api/"
	ProductionBaseURL = "https://app.qualpay.com/service/api/"

	// UserAgent identifies this integration to the gateway.
	UserAgent = "go-qualpay-checkout"

	maxResponseBytes = 1 << 20
)

// BaseURL returns the API root for the sandbox or production environment.
func BaseURL(sandbox bool) string {
	if sandbox {
		return SandboxBaseURL
	}
	return ProductionBaseURL
}

// Credentials authenticate the merchant with HTTP basic auth.
type Credentials struct {
	MerchantID  string
	SecurityKey string
}

func (c Credentials) authorization() string {
	login := c.MerchantID + ":" + c.SecurityKey
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(login))
}

// Client creates hosted checkouts. It never retries; a tripped breaker fails fast
// with a TransportError until the gateway recovers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	breaker    *gobreaker.CircuitBreaker[*CheckoutResponseDetails]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the environment-selected API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") + "/" }
}

// NewClient returns a client for the sandbox or production gateway.
func NewClient(creds Credentials, sandbox bool, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    BaseURL(sandbox),
		creds:      creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*CheckoutResponseDetails](gobreaker.Settings{
		Name:    "qualpay-checkout",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: countsAsHealthy,
	})
	return c
}

// countsAsHealthy treats merchant-side rejections as a healthy gateway; only
// transport failures and gateway server errors move the breaker.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code != CodeInternalServerError
	}
	return errors.Is(err, ErrInvalidResponse)
}

// CreateCheckout posts req to {base}/checkout and returns the created checkout.
// The amount is rounded to two decimals and the currency forced to USD.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponseDetails, error) {
	if c.creds.MerchantID == "" || c.creds.SecurityKey == "" {
		return nil, ErrNotConfigured
	}

	req.Amount = NewAmount(req.Amount.Round(2))
	req.CurrencyCode = USDNumericCode

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal checkout request: %w", err)
	}

	details, err := c.breaker.Execute(func() (*CheckoutResponseDetails, error) {
		return c.post(ctx, "checkout", body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{Err: err}
	}
	return details, err
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*CheckoutResponseDetails, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.creds.authorization())
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var envelope CheckoutResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// error bodies usually carry the same envelope with the failure code
		if decodeErr == nil && envelope.Code != CodeOK {
			return nil, &GatewayError{Code: envelope.Code, Message: envelope.Message, StatusCode: resp.StatusCode}
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, decodeErr)
	}
	if envelope.Code != CodeOK {
		return nil, &GatewayError{Code: envelope.Code, Message: envelope.Message, StatusCode: resp.StatusCode}
	}
	if envelope.Data == nil || envelope.Data.CheckoutID == "" || envelope.Data.CheckoutLink == "" {
		return nil, fmt.Errorf("%w: missing checkout details", ErrInvalidResponse)
	}
	return envelope.Data, nil
}
