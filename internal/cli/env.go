package cli

import (
	"os"
	"strconv"
	"time"
)

// envPrefix prefixes every environment fallback of a flag.
const envPrefix = "PIPEFLOW_"

// envString returns $PIPEFLOW_<key>, or def when unset.
func envString(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

// envInt returns $PIPEFLOW_<key> as an int, or def when unset or malformed.
func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(envPrefix + key)); err == nil {
		return n
	}
	return def
}

// envBool returns $PIPEFLOW_<key> as a bool, or def when unset or malformed.
func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(envPrefix + key)); err == nil {
		return b
	}
	return def
}

// envDuration returns $PIPEFLOW_<key> as a duration, or def when unset or
// malformed.
func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(envPrefix + key)); err == nil {
		return d
	}
	return def
}
