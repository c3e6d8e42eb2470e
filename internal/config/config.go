package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Settings are the merchant's Qualpay Checkout settings.
type Settings struct {
	MerchantID          string
	SecurityKey         string
	UseSandbox          bool
	EnableEmailReceipts bool
	// AdditionalFee is a fixed amount, or a percentage of the subtotal when AdditionalFeePercentage is set.
	AdditionalFee           decimal.Decimal
	AdditionalFeePercentage bool
}

// Configured reports whether both merchant credentials are present.
func (s Settings) Configured() bool {
	return s.MerchantID != "" && s.SecurityKey != ""
}

// Config is the full service configuration.
type Config struct {
	Qualpay Settings

	StoreURL         string `validate:"required,url"`
	OrdersTable      string `validate:"required"`
	IdempotencyTable string `validate:"required"`

	PaymentEventsQueueURL string
	MetricsNamespace      string

	// PrimaryCurrency is the currency order totals are stored in.
	PrimaryCurrency string `validate:"required,len=3"`
	// CurrencyRates maps a currency code to its USD rate.
	CurrencyRates map[string]decimal.Decimal

	GatewayTimeout time.Duration `validate:"gt=0"`
	IdempotencyTTL time.Duration `validate:"gt=0"`
	// DeliveryClaimLease is how long a notification delivery stays claimed by an
	// invocation that neither completes nor releases it.
	DeliveryClaimLease time.Duration `validate:"gt=0"`

	RunLocal bool
	Addr     string
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv and validates it.
func LoadFrom(getenv func(string) string) (*Config, error) {
	var err error
	cfg := &Config{
		Qualpay: Settings{
			MerchantID:  getenv("QUALPAY_MERCHANT_ID"),
			SecurityKey: getenv("QUALPAY_SECURITY_KEY"),
		},
		StoreURL:              normalizeStoreURL(getenv("STORE_URL")),
		OrdersTable:           getenv("ORDERS_TABLE"),
		IdempotencyTable:      getenv("IDEMPOTENCY_TABLE"),
		PaymentEventsQueueURL: getenv("PAYMENT_EVENTS_QUEUE_URL"),
		MetricsNamespace:      getenv("METRICS_NAMESPACE"),
		PrimaryCurrency:       strings.ToUpper(withDefault(getenv("PRIMARY_CURRENCY"), "USD")),
		Addr:                  withDefault(getenv("ADDR"), ":8080"),
	}

	// the plugin ships with sandbox enabled
	if cfg.Qualpay.UseSandbox, err = parseBool(getenv, "QUALPAY_USE_SANDBOX", true); err != nil {
		return nil, err
	}
	if cfg.Qualpay.EnableEmailReceipts, err = parseBool(getenv, "QUALPAY_EMAIL_RECEIPTS", false); err != nil {
		return nil, err
	}
	if cfg.Qualpay.AdditionalFeePercentage, err = parseBool(getenv, "QUALPAY_ADDITIONAL_FEE_PERCENTAGE", false); err != nil {
		return nil, err
	}
	if cfg.RunLocal, err = parseBool(getenv, "RUN_LOCAL", false); err != nil {
		return nil, err
	}

	cfg.Qualpay.AdditionalFee = decimal.Zero
	if v := getenv("QUALPAY_ADDITIONAL_FEE"); v != "" {
		if cfg.Qualpay.AdditionalFee, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("QUALPAY_ADDITIONAL_FEE: %w", err)
		}
	}

	if cfg.GatewayTimeout, err = parseDuration(getenv, "GATEWAY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = parseDuration(getenv, "IDEMPOTENCY_TTL", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DeliveryClaimLease, err = parseDuration(getenv, "DELIVERY_CLAIM_LEASE", 2*time.Minute); err != nil {
		return nil, err
	}

	if cfg.CurrencyRates, err = ParseRates(getenv("CURRENCY_RATES")); err != nil {
		return nil, err
	}

	if err := validatorv10.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseRates parses "EUR=1.08,GBP=1.27" into a code -> USD rate map.
func ParseRates(s string) (map[string]decimal.Decimal, error) {
	rates := map[string]decimal.Decimal{}
	if strings.TrimSpace(s) == "" {
		return rates, nil
	}
	for _, pair := range strings.Split(s, ",") {
		code, rate, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || code == "" {
			return nil, fmt.Errorf("CURRENCY_RATES: malformed pair %q", pair)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return nil, fmt.Errorf("CURRENCY_RATES: rate for %s: %w", code, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("CURRENCY_RATES: rate for %s must be positive", code)
		}
		rates[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return rates, nil
}

// normalizeStoreURL guarantees a single trailing slash so paths can be appended directly.
func normalizeStoreURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	return strings.TrimRight(u, "/") + "/"
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func parseDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
