package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Readers for TETHER_* environment configuration. Unset, blank, and
// malformed values all fall back to the default: a typo in a deploy degrades
// to known-good settings instead of refusing to start. Numeric readers treat
// values as counts and sizes, so non-positive input falls back too, with
// the one exception documented on EnvInt32.

func envValue(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func EnvString(key, def string) string {
	if v, ok := envValue(key); ok {
		return v
	}
	return def
}

func EnvBool(key string, def bool) bool {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvInt(key string, def int) int {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a pool-size style value. Zero is kept, not treated as
// invalid: pgx reads MinConns zero as "no floor", and TETHER_DB_MIN_CONNS=0
// must be expressible. Negatives fall back.
func EnvInt32(key string, def int32) int32 {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
