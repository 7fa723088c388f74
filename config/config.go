// Package config reads the agent's settings from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tokenflow/signer"
)

// Defaults applied when the corresponding variable is unset or unparseable.
const (
	DefaultChannel            = "token_insert"
	DefaultQueue              = "user_action_queue"
	DefaultBatchLimit         = 10
	DefaultBatchTimeoutMS     = 5000
	DefaultHealthcheckEveryMS = 270000
)

// Config carries everything the agent needs to run.
type Config struct {
	DatabaseURL string
	Key         []byte
	Channel     string
	Queue       string
	BatchLimit  int

	BatchTimeout     time.Duration
	HealthcheckEvery time.Duration
}

// Load reads the environment (after a best-effort .env load) and validates
// it. Required values missing or malformed fail hard; integer knobs fall
// back to defaults with a warning on logger.
func Load(logger *log.Logger) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Channel: getenv(logger, "CHANNEL_NAME", DefaultChannel),
		Queue:   getenv(logger, "QUEUE_NAME", DefaultQueue),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}

	key, err := decodeKey(os.Getenv("HMAC_KEY"))
	if err != nil {
		return Config{}, err
	}
	cfg.Key = key

	cfg.BatchLimit = getenvInt(logger, "BATCH_LIMIT", DefaultBatchLimit)
	cfg.BatchTimeout = time.Duration(getenvInt(logger, "BATCH_TIMEOUT_MS", DefaultBatchTimeoutMS)) * time.Millisecond
	cfg.HealthcheckEvery = time.Duration(getenvInt(logger, "HEALTHCHECK_INTERVAL_MS", DefaultHealthcheckEveryMS)) * time.Millisecond

	if cfg.BatchLimit < 1 {
		return Config{}, fmt.Errorf("config: BATCH_LIMIT must be positive, got %d", cfg.BatchLimit)
	}
	if cfg.BatchTimeout <= 0 {
		return Config{}, fmt.Errorf("config: BATCH_TIMEOUT_MS must be positive")
	}
	if cfg.HealthcheckEvery < cfg.BatchTimeout {
		return Config{}, fmt.Errorf("config: HEALTHCHECK_INTERVAL_MS (%v) must be at least BATCH_TIMEOUT_MS (%v)",
			cfg.HealthcheckEvery, cfg.BatchTimeout)
	}

	return cfg, nil
}

// decodeKey validates and decodes the 64-hex-character MAC key. The error
// text never includes the value itself.
func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("config: HMAC_KEY is required")
	}
	if len(raw) != signer.KeySize*2 {
		return nil, fmt.Errorf("config: HMAC_KEY must be %d hex characters, got %d", signer.KeySize*2, len(raw))
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: HMAC_KEY is not valid hex")
	}
	return key, nil
}

func getenv(logger *log.Logger, key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		logger.Printf("[WARN] environment variable %s not set. default: %s", key, def)
		return def
	}
	return v
}

func getenvInt(logger *log.Logger, key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		logger.Printf("[WARN] environment variable %s not set. default: %d", key, def)
		return def
	}

	parsed, err := strconv.Atoi(v)
	if err != nil {
		logger.Printf("[WARN] invalid value for %s: %s, using default: %d", key, v, def)
		return def
	}
	return parsed
}
