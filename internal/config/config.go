package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port     int
	LogLevel string
	DataDir  string

	// Pairs lists the tradable pairs as BASE/QUOTE:precision entries,
	// e.g. "BTC/USD:2,ETH/USD:2".
	Pairs []PairConfig

	LeaseTTL         time.Duration
	MatchCooldown    time.Duration
	ScheduleInterval time.Duration
	SyncInterval     time.Duration

	SettleMaxAttempts    int
	SettleCallTimeout    time.Duration
	SettleBackoffInitial time.Duration

	WebhookTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// PairConfig describes one tradable pair.
type PairConfig struct {
	Symbol         string
	PricePrecision int
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

	dataDir := getStr("DATA_DIR", "data")

	pairs, err := parsePairs(getStr("PAIRS", "BTC/USD:2,ETH/USD:2"))
	if err != nil {
		return nil, fmt.Errorf("invalid PAIRS: %w", err)
	}

	leaseTTL, err := getDuration("LEASE_TTL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LEASE_TTL: %w", err)
	}

	matchCooldown, err := getDuration("MATCH_COOLDOWN", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_COOLDOWN: %w", err)
	}

	scheduleInterval, err := getDuration("SCHEDULE_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULE_INTERVAL: %w", err)
	}

	syncInterval, err := getDuration("SYNC_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}

	settleMaxAttempts, err := getInt("SETTLE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_MAX_ATTEMPTS: %w", err)
	}
	if settleMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid SETTLE_MAX_ATTEMPTS: must be at least 1")
	}

	settleCallTimeout, err := getDuration("SETTLE_CALL_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_CALL_TIMEOUT: %w", err)
	}

	settleBackoffInitial, err := getDuration("SETTLE_BACKOFF_INITIAL", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_BACKOFF_INITIAL: %w", err)
	}

	webhookTimeout, err := getDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
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

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                 port,
		LogLevel:             logLevel,
		DataDir:              dataDir,
		Pairs:                pairs,
		LeaseTTL:             leaseTTL,
		MatchCooldown:        matchCooldown,
		ScheduleInterval:     scheduleInterval,
		SyncInterval:         syncInterval,
		SettleMaxAttempts:    settleMaxAttempts,
		SettleCallTimeout:    settleCallTimeout,
		SettleBackoffInitial: settleBackoffInitial,
		WebhookTimeout:       webhookTimeout,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		ShutdownTimeout:      shutdownTimeout,
	}, nil
}

func parsePairs(raw string) ([]PairConfig, error) {
	parts := strings.Split(raw, ",")
	pairs := make([]PairConfig, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol := part
		precision := 2
		if idx := strings.LastIndex(part, ":"); idx >= 0 {
			symbol = part[:idx]
			p, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("pair %q: bad precision: %w", part, err)
			}
			if p < 0 || p > 18 {
				return nil, fmt.Errorf("pair %q: precision out of range", part)
			}
			precision = p
		}
		if !strings.Contains(symbol, "/") {
			return nil, fmt.Errorf("pair %q: expected BASE/QUOTE", part)
		}
		pairs = append(pairs, PairConfig{Symbol: symbol, PricePrecision: precision})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs configured")
	}
	return pairs, nil
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

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
