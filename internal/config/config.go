// Package config owns the numeric and duration knobs of the session engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/runmux/runmux/internal/fsutil"
)

// Config represents the runmux.json configuration file.
type Config struct {
	Version               string `json:"version"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions"`
	Buffer                Buffer `json:"buffer"`

	// DefaultSessionDeadlineS applies to sessions created without an
	// explicit deadline. Zero means sessions never time out by default.
	DefaultSessionDeadlineS int `json:"default_session_deadline_s"`

	// GracePeriodS is how long a terminating process gets between SIGTERM
	// and SIGKILL.
	GracePeriodS int `json:"grace_period_s"`

	// ReaperIntervalMs is the period of the deadline/orphan reaper.
	ReaperIntervalMs int `json:"reaper_interval_ms"`

	ReadChunkBytes  int `json:"read_chunk_bytes"`
	StderrTailBytes int `json:"stderr_tail_bytes"`
	EventBufferSize int `json:"event_buffer_size"`
}

// Buffer holds the backpressure watermarks. All three are required; there is
// no universally correct default for a given workload.
type Buffer struct {
	HighWatermark int `json:"high_watermark"`
	LowWatermark  int `json:"low_watermark"`
	MaxSize       int `json:"max_size"`
}

// GenerateDefault creates a Config with documented starting values.
func GenerateDefault() *Config {
	return &Config{
		Version:               "1.0",
		MaxConcurrentSessions: 4,
		Buffer: Buffer{
			HighWatermark: 512 * 1024,
			LowWatermark:  128 * 1024,
			MaxSize:       1024 * 1024,
		},
		DefaultSessionDeadlineS: 0,
		GracePeriodS:            5,
		ReaperIntervalMs:        500,
		ReadChunkBytes:          32 * 1024,
		StderrTailBytes:         4096,
		EventBufferSize:         64,
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("configuration error: invalid 'max_concurrent_sessions' value: %d\n\nHint: At least one session permit is required:\n  \"max_concurrent_sessions\": 4", c.MaxConcurrentSessions)
	}

	b := c.Buffer
	if b.LowWatermark <= 0 || b.HighWatermark <= 0 || b.MaxSize <= 0 {
		return fmt.Errorf("configuration error: buffer watermarks are required\n\nHint: Set all three, for example:\n  \"buffer\": {\"high_watermark\": 524288, \"low_watermark\": 131072, \"max_size\": 1048576}")
	}
	if b.LowWatermark >= b.HighWatermark {
		return fmt.Errorf("configuration error: 'buffer.low_watermark' (%d) must be below 'buffer.high_watermark' (%d)", b.LowWatermark, b.HighWatermark)
	}
	if b.HighWatermark > b.MaxSize {
		return fmt.Errorf("configuration error: 'buffer.high_watermark' (%d) must not exceed 'buffer.max_size' (%d)", b.HighWatermark, b.MaxSize)
	}

	if c.DefaultSessionDeadlineS < 0 {
		return fmt.Errorf("configuration error: 'default_session_deadline_s' must not be negative")
	}
	if c.GracePeriodS < 1 {
		return fmt.Errorf("configuration error: invalid 'grace_period_s' value: %d\n\nHint: Give processes at least one second to stop:\n  \"grace_period_s\": 5", c.GracePeriodS)
	}
	if c.ReaperIntervalMs < 1 {
		return fmt.Errorf("configuration error: invalid 'reaper_interval_ms' value: %d\n\nHint: The deadline reaper needs a positive period:\n  \"reaper_interval_ms\": 500", c.ReaperIntervalMs)
	}
	if c.ReadChunkBytes < 1 {
		return fmt.Errorf("configuration error: 'read_chunk_bytes' must be positive")
	}

	return nil
}

// DefaultSessionDeadline returns the default deadline as a duration, zero
// meaning none.
func (c *Config) DefaultSessionDeadline() time.Duration {
	return time.Duration(c.DefaultSessionDeadlineS) * time.Second
}

// GracePeriod returns the SIGTERM-to-SIGKILL grace as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodS) * time.Second
}

// ReaperInterval returns the reaper period as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMs) * time.Millisecond
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	return fsutil.AtomicWriteJSON(path, c)
}
