package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/order"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_PATH", "PORT", "REQUEST_TIMEOUT", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL",
		"LOG_LEVEL", "REFERENCE_CURRENCY", "PRICE_DEVIATION_POLICY", "PRICE_DEVIATION_MAX", "TX_MAX_RETRIES",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, model.Divine, cfg.ReferenceCurrency())

	oc := cfg.OrderConfig()
	assert.Equal(t, order.DeviationFlag, oc.DeviationPolicy)
	assert.True(t, oc.MaxDeviation.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 3, oc.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, oc.Retry.BaseDelay)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  port: "9090"
  request_timeout: 5s
storage:
  sqlite_path: /var/lib/ledger.db
logging:
  level: debug
ledger:
  reference_currency: chaos
  price_deviation_policy: reject
  price_deviation_max: "0.25"
  max_retries: 5
  retry_base_delay: 20ms
prices:
  static:
    - ref: DIVINE
      currency: CHAOS
      rate: "210"
    - ref: mirror-shard
      currency: DIVINE
      rate: "4.5"
`)
	t.Setenv("PORT", "7000")
	t.Setenv("PRICE_DEVIATION_POLICY", "off")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port, "env wins over YAML")
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "/var/lib/ledger.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, model.Chaos, cfg.ReferenceCurrency())

	oc := cfg.OrderConfig()
	assert.Equal(t, order.DeviationOff, oc.DeviationPolicy)
	assert.True(t, oc.MaxDeviation.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 5, oc.Retry.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, oc.Retry.BaseDelay)

	quotes := cfg.StaticPrices()
	require.Len(t, quotes, 2)
	assert.Equal(t, oracle.Quote{Ref: "DIVINE", Currency: model.Chaos, Rate: quotes[0].Rate}, quotes[0])
	assert.True(t, quotes[0].Rate.Equal(decimal.RequireFromString("210")))
	assert.Equal(t, model.Divine, quotes[1].Currency)
	assert.True(t, quotes[1].Rate.Equal(decimal.RequireFromString("4.5")))
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", writeFile(t, "server:\n  port: \"1234\"\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "1234", cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"currency":  "ledger:\n  reference_currency: GOLD\n",
		"policy":    "ledger:\n  price_deviation_policy: warn\n",
		"deviation": "ledger:\n  price_deviation_max: \"-1\"\n",
		"retries":   "ledger:\n  max_retries: 0\n",
		"price":     "prices:\n  static:\n    - ref: x\n      currency: CHAOS\n      rate: \"0\"\n",
		"yaml":      "server: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TX_MAX_RETRIES", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, NewLogger("nonsense").Enabled(ctx, slog.LevelInfo))
	assert.False(t, NewLogger("nonsense").Enabled(ctx, slog.LevelDebug))
}
