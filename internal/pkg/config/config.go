// Package config reads layered settings: a YAML file overridden by UNIMQ_
// environment variables. Keys are dotted paths such as messaging.kind.
package config

import (
	"io"
	"time"
)

// Durations are stored as integers in the unit named by the key suffix, for
// example ack_timeout_seconds or max_wait_ms.
type Durations interface {
	GetMillisecond(key string) time.Duration
	GetSecond(key string) time.Duration
	GetHour(key string) time.Duration
}

type Numbers interface {
	GetInt(key string) int
	GetInt32(key string) int32
	GetInt64(key string) int64
	// GetUint16 clamps to the uint16 range.
	GetUint16(key string) uint16
	GetFloat64(key string) float64
}

// Config is what components read their settings through. Missing keys yield
// zero values; callers apply their own defaults.
type Config interface {
	io.Closer
	Durations
	Numbers

	GetBool(key string) bool
	GetString(key string) string
	// GetArray accepts a list or a comma separated string and drops blank
	// items.
	GetArray(key string) []string
	// GetMap accepts a mapping or a "k:v,k:v" string.
	GetMap(key string) map[string]string
}
