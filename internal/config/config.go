// Package config provides orchestrator configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults. All operational parameters are configurable.
//
// Configuration categories:
//   - Transport: SSH bind address, IPC port
//   - Health: heartbeat interval/timeout
//   - Admission: connection and per-machine session caps
//   - Backoff: agent reconnect policy
//   - Protocol: frame and session input caps, pre-ready buffer size
//
// For a complete list of environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HealthConfig controls the connection health monitor (spec.md §4.5).
type HealthConfig struct {
	Interval time.Duration // health cycle period (default 5s)
	Timeout  time.Duration // heartbeat timeout before a connection is dead (default 90s)
}

// AdmissionConfig controls pool and session admission caps (spec.md §4.4, §4.6).
type AdmissionConfig struct {
	MaxConnections        int // 0 = unbounded
	MaxSessionsPerMachine int // 0 = unbounded
}

// BackoffConfig controls the agent's reconnect policy (spec.md §4.8).
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// ControlPlaneConfig controls the local IPC server (spec.md §4.7).
type ControlPlaneConfig struct {
	Port              int
	GeneralBufferSize int // default 1024
	SessionOutputSize int // default 256
	AuthDeadline      time.Duration
	MaxRequestsPerSec int // default 1000
	PairingCodeLength int // default 8, >= 8
}

// ProtocolConfig controls frame/session size caps (spec.md §4.1, §4.2, §4.6).
type ProtocolConfig struct {
	MaxFramePayload   int // 16 MiB
	MaxSessionInput   int // 64 KiB, per-frame cap orchestrator->agent
	PreReadyBufferCap int // 8 KiB
}

// Config holds all orchestrator configuration.
type Config struct {
	BindAddress   string // SSH listen endpoint
	StateDir      string // per-user config dir: host_key, ipc_auth_token, orchestrator.pid
	AuditDBPath   string
	Health        HealthConfig
	Admission     AdmissionConfig
	Backoff       BackoffConfig
	ControlPlane  ControlPlaneConfig
	Protocol      ProtocolConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BindAddress: getEnv("KTERMINUS_BIND_ADDRESS", "127.0.0.1:2202"),
		StateDir:    getEnv("KTERMINUS_STATE_DIR", defaultStateDir()),
		AuditDBPath: getEnv("KTERMINUS_AUDIT_DB", "./data/audit.db"),
		Health: HealthConfig{
			Interval: getEnvDuration("KTERMINUS_HEARTBEAT_INTERVAL", 5*time.Second),
			Timeout:  getEnvDuration("KTERMINUS_HEARTBEAT_TIMEOUT", 90*time.Second),
		},
		Admission: AdmissionConfig{
			MaxConnections:        getEnvInt("KTERMINUS_MAX_CONNECTIONS", 0),
			MaxSessionsPerMachine: getEnvInt("KTERMINUS_MAX_SESSIONS_PER_MACHINE", 0),
		},
		Backoff: BackoffConfig{
			Initial:    getEnvDuration("KTERMINUS_BACKOFF_INITIAL", time.Second),
			Max:        getEnvDuration("KTERMINUS_BACKOFF_MAX", 60*time.Second),
			Multiplier: getEnvFloat("KTERMINUS_BACKOFF_MULTIPLIER", 2.0),
			Jitter:     getEnvBool("KTERMINUS_BACKOFF_JITTER", true),
		},
		ControlPlane: ControlPlaneConfig{
			Port:              getEnvInt("KTERMINUS_IPC_PORT", 22230),
			GeneralBufferSize: getEnvInt("KTERMINUS_IPC_GENERAL_BUFFER", 1024),
			SessionOutputSize: getEnvInt("KTERMINUS_IPC_SESSION_OUTPUT_BUFFER", 256),
			AuthDeadline:      getEnvDuration("KTERMINUS_IPC_AUTH_DEADLINE", 5*time.Second),
			MaxRequestsPerSec: getEnvInt("KTERMINUS_IPC_MAX_REQUESTS_PER_SEC", 1000),
			PairingCodeLength: getEnvInt("KTERMINUS_PAIRING_CODE_LENGTH", 8),
		},
		Protocol: ProtocolConfig{
			MaxFramePayload:   getEnvInt("KTERMINUS_MAX_FRAME_PAYLOAD", 16*1024*1024),
			MaxSessionInput:   getEnvInt("KTERMINUS_MAX_SESSION_INPUT", 64*1024),
			PreReadyBufferCap: getEnvInt("KTERMINUS_PRE_READY_BUFFER", 8*1024),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// internally consistent.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("KTERMINUS_BIND_ADDRESS cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("KTERMINUS_STATE_DIR cannot be empty")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("KTERMINUS_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("KTERMINUS_HEARTBEAT_TIMEOUT must be > 0")
	}
	if c.Admission.MaxConnections < 0 || c.Admission.MaxSessionsPerMachine < 0 {
		return fmt.Errorf("admission caps must be >= 0")
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max <= 0 || c.Backoff.Multiplier <= 1 {
		return fmt.Errorf("invalid backoff policy")
	}
	if c.ControlPlane.Port <= 0 || c.ControlPlane.Port > 65535 {
		return fmt.Errorf("KTERMINUS_IPC_PORT out of range")
	}
	if c.ControlPlane.PairingCodeLength < 8 {
		return fmt.Errorf("KTERMINUS_PAIRING_CODE_LENGTH must be >= 8")
	}
	if c.Protocol.MaxFramePayload <= 0 || c.Protocol.MaxFramePayload > 16*1024*1024 {
		return fmt.Errorf("KTERMINUS_MAX_FRAME_PAYLOAD out of range")
	}
	return nil
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data/state"
	}
	return dir + "/kterminus"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
