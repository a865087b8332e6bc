package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCompanyNames are the lemonade stands listed when COMPANY_NAMES is
// unset.
var DefaultCompanyNames = []string{
	"Sunny Squeeze",
	"Tart Tonic",
	"Citrus Circus",
	"Pucker Up",
	"Zest Express",
}

// Config holds all runtime configuration for the game server.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	StartingCash            decimal.Decimal
	CompanyNames            []string
	SharesPerCompany        int64
	IPOFloorPrice           decimal.Decimal
	BotCount                int
	BotSeed                 uint64
	UndersubscriptionPolicy string
	AllowMultipleCEO        bool
	BotTickEvery            time.Duration

	MMPoolShares int64
	MMLowWater   int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	startingCash, err := getDecimal("STARTING_CASH", decimal.NewFromInt(10000))
	if err != nil {
		return nil, fmt.Errorf("invalid STARTING_CASH: %w", err)
	}
	if !startingCash.IsPositive() {
		return nil, fmt.Errorf("invalid STARTING_CASH: %s must be positive", startingCash)
	}

	names := getList("COMPANY_NAMES", DefaultCompanyNames)
	if len(names) == 0 {
		return nil, fmt.Errorf("invalid COMPANY_NAMES: at least one company is required")
	}

	shares, err := getInt64("SHARES_PER_COMPANY", 1000)
	if err != nil {
		return nil, fmt.Errorf("invalid SHARES_PER_COMPANY: %w", err)
	}
	if shares <= 0 {
		return nil, fmt.Errorf("invalid SHARES_PER_COMPANY: %d must be positive", shares)
	}

	floor, err := getDecimal("IPO_FLOOR_PRICE", decimal.NewFromInt(1))
	if err != nil {
		return nil, fmt.Errorf("invalid IPO_FLOOR_PRICE: %w", err)
	}
	if !floor.Round(2).IsPositive() {
		return nil, fmt.Errorf("invalid IPO_FLOOR_PRICE: %s must be at least 0.01", floor)
	}

	botCount, err := getInt("BOT_COUNT", 6)
	if err != nil {
		return nil, fmt.Errorf("invalid BOT_COUNT: %w", err)
	}
	if botCount < 0 {
		return nil, fmt.Errorf("invalid BOT_COUNT: %d must not be negative", botCount)
	}

	botSeed, err := getUint64("BOT_SEED", uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("invalid BOT_SEED: %w", err)
	}

	policy := getStr("UNDERSUBSCRIPTION_POLICY", "strict")
	if policy != "strict" && policy != "topup" {
		return nil, fmt.Errorf("invalid UNDERSUBSCRIPTION_POLICY: %q, must be strict or topup", policy)
	}

	multiCEO, err := getBool("ALLOW_MULTIPLE_CEO", false)
	if err != nil {
		return nil, fmt.Errorf("invalid ALLOW_MULTIPLE_CEO: %w", err)
	}

	tickEvery, err := getDuration("BOT_TICK_EVERY", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid BOT_TICK_EVERY: %w", err)
	}
	if tickEvery < 0 {
		return nil, fmt.Errorf("invalid BOT_TICK_EVERY: %v must not be negative", tickEvery)
	}

	poolShares, err := getInt64("MM_POOL_SHARES", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid MM_POOL_SHARES: %w", err)
	}
	if poolShares <= 0 {
		return nil, fmt.Errorf("invalid MM_POOL_SHARES: %d must be positive", poolShares)
	}

	lowWater, err := getInt64("MM_LOW_WATER", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid MM_LOW_WATER: %w", err)
	}
	if lowWater < 0 || lowWater > poolShares {
		return nil, fmt.Errorf("invalid MM_LOW_WATER: %d must be between 0 and %d", lowWater, poolShares)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	requestTimeout, err := getDuration("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                    port,
		LogLevel:                logLevel,
		DatabaseURL:             getStr("DATABASE_URL", ""),
		RedisURL:                getStr("REDIS_URL", ""),
		CacheTTL:                cacheTTL,
		StartingCash:            startingCash,
		CompanyNames:            names,
		SharesPerCompany:        shares,
		IPOFloorPrice:           floor.Round(2),
		BotCount:                botCount,
		BotSeed:                 botSeed,
		UndersubscriptionPolicy: policy,
		AllowMultipleCEO:        multiCEO,
		BotTickEvery:            tickEvery,
		MMPoolShares:            poolShares,
		MMLowWater:              lowWater,
		ReadTimeout:             readTimeout,
		WriteTimeout:            writeTimeout,
		IdleTimeout:             idleTimeout,
		RequestTimeout:          requestTimeout,
		ShutdownTimeout:         shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getUint64(key string, defaultVal uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

// getList splits a comma-separated value, dropping blank entries.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlogLevel maps LogLevel to its slog level. Load has already rejected
// anything else, which falls back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
