package app

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	// Rewrite Host/scheme/remote address from X-Forwarded-* and Forwarded
	// headers. Off by default; enable only behind a proxy that sets them.
	TrustForwardedHeaders bool

	LogLevel  string
	LogFormat string // "json" or "console"

	// Error monitoring
	SentryDSN   string
	Environment string

	// How long main waits for open media streams after the shutdown signal.
	ShutdownTimeout time.Duration

	// Media stream limits
	StreamMaxMessageBytes int
	StreamWriteTimeout    time.Duration
}

const (
	minStreamMessageBytes     = 1 << 10
	maxStreamMessageBytes     = 16 << 20
	defaultStreamMessageBytes = 64 << 10
)

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:              getenv("HTTP_ADDR", ":8080"),
		TrustForwardedHeaders: getenvBool("TRUST_FORWARDED_HEADERS", false),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		LogFormat:             getenv("LOG_FORMAT", "json"),

		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),

		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		StreamMaxMessageBytes: getenvIntClamped("STREAM_MAX_MESSAGE_BYTES",
			defaultStreamMessageBytes, minStreamMessageBytes, maxStreamMessageBytes),
		StreamWriteTimeout: getenvDuration("STREAM_WRITE_TIMEOUT", 10*time.Second),
	}
}

// LoadDotEnv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error; loaded reports
// whether the file was found.
func LoadDotEnv(path string) (loaded bool, err error) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// getenvIntClamped reads an int, falling back to def when unset or invalid,
// and clamps the result to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
