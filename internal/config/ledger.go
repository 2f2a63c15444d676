package config

import (
	"os"
	"strconv"
	"time"
)

// LedgerConfig carries the tunables of the token ledger.
type LedgerConfig struct {
	MinCashoutTokens  int64
	PayoutPer10Tokens int64 // cents paid out for every 10 tokens cashed out
	PendingTimeout    time.Duration
	SweepInterval     time.Duration
	SweepBatch        int
	DefaultPageSize   int
	MaxPageSize       int
	TxRetries         int
	RateLimit         int
	RateWindow        time.Duration
	GatewayProvider   string
	Store             string // "postgres", or "memory" for a throwaway local ledger
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		MinCashoutTokens:  int64(getEnvAsInt("LEDGER_MIN_CASHOUT_TOKENS", 10)),
		PayoutPer10Tokens: int64(getEnvAsInt("LEDGER_PAYOUT_CENTS_PER_10_TOKENS", 75)),
		PendingTimeout:    getEnvAsDuration("LEDGER_PENDING_TIMEOUT", 24*time.Hour),
		SweepInterval:     getEnvAsDuration("LEDGER_SWEEP_INTERVAL", 5*time.Minute),
		SweepBatch:        getEnvAsPositiveInt("LEDGER_SWEEP_BATCH", 100),
		DefaultPageSize:   getEnvAsPositiveInt("LEDGER_DEFAULT_PAGE_SIZE", 20),
		MaxPageSize:       getEnvAsPositiveInt("LEDGER_MAX_PAGE_SIZE", 100),
		TxRetries:         getEnvAsInt("LEDGER_TX_RETRIES", 3),
		RateLimit:         getEnvAsPositiveInt("LEDGER_RATE_LIMIT", 30),
		RateWindow:        getEnvAsDuration("LEDGER_RATE_WINDOW", time.Minute),
		GatewayProvider:   getEnv("PAYMENT_GATEWAY_PROVIDER", "sandbox"),
		Store:             getEnv("LEDGER_STORE", "postgres"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsPositiveInt(key string, defaultVal int) int {
	if val := getEnvAsInt(key, defaultVal); val > 0 {
		return val
	}
	return defaultVal
}

// getEnvAsDuration also falls back for zero and negative values; every
// duration here feeds a ticker or a timeout.
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultVal
}
