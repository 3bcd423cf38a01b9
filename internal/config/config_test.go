package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHECKOUT_TAX_RATE", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Checkout.TaxRate.Equal(decimal.RequireFromString("0.21")))
	assert.Equal(t, int32(2), cfg.Checkout.CurrencyScale)
	assert.Equal(t, 10*time.Second, cfg.Checkout.Timeout)
	assert.Equal(t, StoreDriverPostgres, cfg.Database.Driver)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHECKOUT_TAX_RATE", "0.10")
	t.Setenv("CHECKOUT_TIMEOUT", "3s")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("CATALOG_SEED_FILE", "migrations/seed_catalog.json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Checkout.TaxRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 3*time.Second, cfg.Checkout.Timeout)
	assert.Equal(t, StoreDriverMemory, cfg.Database.Driver)
	assert.Equal(t, "migrations/seed_catalog.json", cfg.Database.SeedFile)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-decimal tax rate", "CHECKOUT_TAX_RATE", "twenty"},
		{"negative tax rate", "CHECKOUT_TAX_RATE", "-0.05"},
		{"unknown driver", "STORE_DRIVER", "sqlite"},
		{"scale out of range", "CHECKOUT_CURRENCY_SCALE", "9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
