package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	Port        string
	StoreDriver string
	DBConn      string
	LogLevel    string
	JWTSecret   string
	HMACSecret  string
	KeyRateURL  string

	SystemActor             string
	BatchWorkers            int
	DormancyThresholdMonths int
	// InterestCron fires the interest run and InterestBasis names the period it
	// fires at. Each run credits one period of the setting in effect, so the
	// cadence must match InterestBasis and the setting's computation basis.
	InterestCron        string
	InterestBasis       models.ComputationBasis
	DormancyCron        string
	RLPFRatePerThousand decimal.Decimal
	LoanTypes           map[string]LoanType

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SenderEmail  string
}

// LoanType describes a product in the loan catalog
type LoanType struct {
	Code          string
	Name          string
	AnnualRate    decimal.Decimal
	RequiresRLPF  bool
	MaxTermMonths int
	// Floating types price at the central bank key rate plus this margin.
	Floating       bool
	FloatingMargin decimal.Decimal
}

// DefaultLoanTypes returns the built-in loan catalog.
func DefaultLoanTypes() map[string]LoanType {
	return map[string]LoanType{
		"regular": {
			Code:          "regular",
			Name:          "Regular loan",
			AnnualRate:    decimal.NewFromInt(12),
			RequiresRLPF:  true,
			MaxTermMonths: 36,
		},
		"emergency": {
			Code:          "emergency",
			Name:          "Emergency loan",
			AnnualRate:    decimal.NewFromInt(6),
			MaxTermMonths: 12,
		},
		"commercial": {
			Code:           "commercial",
			Name:           "Commercial loan",
			RequiresRLPF:   true,
			MaxTermMonths:  60,
			Floating:       true,
			FloatingMargin: decimal.NewFromInt(5),
		},
	}
}

// NewConfig loads configuration from environment variables, reading a .env
// file first when one is present
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DBConn:        getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=coop sslmode=disable"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:     getEnv("JWT_SECRET", "secret"),
		HMACSecret:    getEnv("HMAC_SECRET", "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"),
		KeyRateURL:    getEnv("KEY_RATE_URL", "https://www.cbr.ru/DailyInfoWebServ/DailyInfo.asmx"),
		SystemActor:   getEnv("SYSTEM_ACTOR", "system"),
		InterestCron:  getEnv("INTEREST_CRON", "0 0 1 * *"),
		InterestBasis: models.ComputationBasis(strings.ToUpper(getEnv("INTEREST_BASIS", string(models.BasisMonthly)))),
		DormancyCron:  getEnv("DORMANCY_CRON", "0 2 * * *"),
		LoanTypes:     DefaultLoanTypes(),
		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnv("SMTP_PORT", "587"),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SenderEmail:   getEnv("SENDER_EMAIL", "noreply@coop.local"),
	}

	var err error
	if cfg.BatchWorkers, err = getEnvInt("BATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DormancyThresholdMonths, err = getEnvInt("DORMANCY_THRESHOLD_MONTHS", 12); err != nil {
		return nil, err
	}
	if cfg.RLPFRatePerThousand, err = decimal.NewFromString(getEnv("RLPF_RATE_PER_THOUSAND", "1.00")); err != nil {
		return nil, fmt.Errorf("RLPF_RATE_PER_THOUSAND: %w", err)
	}

	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == "postgres" && cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HMACSecret == "" {
		return nil, fmt.Errorf("HMAC_SECRET is required")
	}
	if cfg.BatchWorkers < 1 {
		return nil, fmt.Errorf("BATCH_WORKERS must be positive")
	}
	if cfg.DormancyThresholdMonths < 1 {
		return nil, fmt.Errorf("DORMANCY_THRESHOLD_MONTHS must be positive")
	}
	if cfg.RLPFRatePerThousand.IsNegative() {
		return nil, fmt.Errorf("RLPF_RATE_PER_THOUSAND must not be negative")
	}
	if !cfg.InterestBasis.Valid() {
		return nil, fmt.Errorf("INTEREST_BASIS must be DAILY, MONTHLY, QUARTERLY or ANNUAL, got %q", cfg.InterestBasis)
	}

	return cfg, nil
}

// MailEnabled reports whether SMTP delivery is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
