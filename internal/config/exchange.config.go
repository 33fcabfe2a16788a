package config

import (
	"os"
	"strconv"
	"strings"
)

type AppConfig struct {
	Environment string // production | sandbox

	RedisAddr    string
	RedisPass    string
	KafkaBrokers []string

	// Provider selection (registry keys)
	ExchangeProvider string
	BankingProvider  string

	ExchangeProviderBaseURL string
	ExchangeProviderAPIKey  string
	BankingProviderBaseURL  string
	BankingProviderAPIKey   string

	// Internal user service: KYC records, deposit addresses, receiving
	// accounts.
	UserServiceBaseURL string
	UserServiceAPIKey  string

	// Settlement
	SettlementTopic       string
	SettlementDLQTopic    string
	SettlementConcurrency int
	SettlementAttempts    int

	// Account used in place of the provider settlement account outside
	// production, where real rails are unavailable.
	SandboxBankAccount string
	SandboxBankName    string

	// Internal revenue account that collects withdrawal fees.
	FeeAccountNumber string
}

func Load() AppConfig {
	return AppConfig{
		Environment:  getEnv("APP_ENV", "sandbox"),
		RedisAddr:    getEnv("REDIS_ADDR", "redis:6379"),
		RedisPass:    getEnv("REDIS_PASS", ""),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"kafka:9092"}),

		ExchangeProvider: getEnv("EXCHANGE_PROVIDER", "liquidityapi"),
		BankingProvider:  getEnv("BANKING_PROVIDER", "bankapi"),

		ExchangeProviderBaseURL: getEnv("EXCHANGE_PROVIDER_URL", ""),
		ExchangeProviderAPIKey:  getEnv("EXCHANGE_PROVIDER_API_KEY", ""),
		BankingProviderBaseURL:  getEnv("BANKING_PROVIDER_URL", ""),
		BankingProviderAPIKey:   getEnv("BANKING_PROVIDER_API_KEY", ""),

		UserServiceBaseURL: getEnv("USER_SERVICE_URL", "http://user-service:8001"),
		UserServiceAPIKey:  getEnv("USER_SERVICE_API_KEY", ""),

		SettlementTopic:       getEnv("SETTLEMENT_TOPIC", "exchange.settlement"),
		SettlementDLQTopic:    getEnv("SETTLEMENT_DLQ_TOPIC", "exchange.settlement.dlq"),
		SettlementConcurrency: getEnvInt("SETTLEMENT_CONCURRENCY", 2),
		SettlementAttempts:    getEnvInt("SETTLEMENT_ATTEMPTS", 5),

		SandboxBankAccount: getEnv("SANDBOX_BANK_ACCOUNT", "0000000000"),
		SandboxBankName:    getEnv("SANDBOX_BANK_NAME", "Test Bank"),

		FeeAccountNumber: getEnv("FEE_ACCOUNT_NUMBER", ""),
	}
}

// IsProduction gates sandbox-vs-production branching; callers never read the
// environment directly.
func (c AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
