package config

import (
	"testing"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 12, cfg.DormancyThresholdMonths)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.True(t, cfg.RLPFRatePerThousand.Equal(decimal.NewFromInt(1)))
	assert.Contains(t, cfg.LoanTypes, "regular")
	assert.Equal(t, "0 0 1 * *", cfg.InterestCron)
	assert.Equal(t, models.BasisMonthly, cfg.InterestBasis)
	assert.False(t, cfg.MailEnabled())
}

func TestNewConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DORMANCY_THRESHOLD_MONTHS", "6")
	t.Setenv("BATCH_WORKERS", "8")
	t.Setenv("SMTP_HOST", "smtp.example.org")
	t.Setenv("INTEREST_BASIS", "daily")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.DormancyThresholdMonths)
	assert.Equal(t, 8, cfg.BatchWorkers)
	assert.Equal(t, models.BasisDaily, cfg.InterestBasis)
	assert.True(t, cfg.MailEnabled())
}

func TestNewConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":              "mongo",
		"BATCH_WORKERS":             "0",
		"DORMANCY_THRESHOLD_MONTHS": "abc",
		"RLPF_RATE_PER_THOUSAND":    "-1",
		"JWT_SECRET":                "",
		"INTEREST_BASIS":            "weekly",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("STORE_DRIVER", "memory")
			t.Setenv(key, value)
			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
