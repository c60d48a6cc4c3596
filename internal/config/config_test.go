package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":     "postgres://localhost/toko",
		"REDIS_URL":        "redis://localhost:6379/0",
		"PAYMENT_PROVIDER": "",
		"PORT":             "",
		"ORDERS_ENABLED":   "",
	})
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "sandbox", cfg.PaymentProvider)
	require.True(t, cfg.OrdersEnabled)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":            "postgres://localhost/toko",
		"REDIS_URL":               "redis://localhost:6379/0",
		"PORT":                    ":9090",
		"ORDERS_ENABLED":          "off",
		"ORDERS_DISABLED_MESSAGE": "Ordering paused until 18:00",
		"TIMEOUT_RECHECK_DELAY":   "90s",
		"RETRY_MAX_ATTEMPTS":      "not-a-number",
	})
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.False(t, cfg.OrdersEnabled)
	require.Equal(t, "Ordering paused until 18:00", cfg.OrdersDisabledMsg)
	require.Equal(t, 90*time.Second, cfg.TimeoutRecheckDelay)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
}

func TestLoadRequiresKPayCredentials(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":     "postgres://localhost/toko",
		"REDIS_URL":        "redis://localhost:6379/0",
		"PAYMENT_PROVIDER": "kpay",
		"KPAY_BASE_URL":    "",
		"KPAY_API_KEY":     "",
	})
	require.Error(t, err)
}

func TestLoadRequiresDatabase(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"DATABASE_URL": "",
		"REDIS_URL":    "redis://localhost:6379/0",
	})
	require.EqualError(t, err, "DATABASE_URL is required")
}

func TestLoadNotifyWebhook(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":          "postgres://localhost/toko",
		"REDIS_URL":             "redis://localhost:6379/0",
		"NOTIFY_WEBHOOK_URL":    "https://merchant.example/hooks",
		"NOTIFY_WEBHOOK_SECRET": "",
	})
	require.Error(t, err)

	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":          "postgres://localhost/toko",
		"REDIS_URL":             "redis://localhost:6379/0",
		"NOTIFY_WEBHOOK_URL":    "https://merchant.example/hooks",
		"NOTIFY_WEBHOOK_SECRET": "s3cret",
		"NOTIFY_TOPICS":         "order.created, payment.completed",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"order.created", "payment.completed"}, cfg.NotifyTopics)
}
