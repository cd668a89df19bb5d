// Package config holds the sensor-ingest configuration: defaults, TOML
// loading and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// FramingRead treats every socket read as one record.
	FramingRead = "read"
	// FramingLine treats every newline-terminated line as one record.
	FramingLine = "line"

	// MatchSubstring closes a connection when the sentinel appears anywhere in a record.
	MatchSubstring = "substring"
	// MatchExact closes a connection only when the record equals the sentinel.
	MatchExact = "exact"
)

// Config is the complete configuration of a sensor-ingest process.
type Config struct {
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`
	Metrics Metrics `toml:"metrics"`
	Mirror  Mirror  `toml:"mirror"`
}

// Server configures the ingest listener, the session log and the
// per-connection handlers.
type Server struct {
	// Host is the interface to bind; empty binds all interfaces.
	Host string `toml:"host"`
	// Port is the TCP port to listen on. 0 picks a free port.
	Port int `toml:"port"`
	// OutputDir is where the session log file is created.
	OutputDir string `toml:"output_dir"`
	// Participant identifies the recording session in the log file name.
	Participant string `toml:"participant"`
	// ReadBufferSize is the maximum number of bytes taken by one read.
	ReadBufferSize int `toml:"read_buffer_size"`
	// Sentinel is the token a client sends to end its connection.
	Sentinel string `toml:"sentinel"`
	// SentinelMatch is MatchSubstring or MatchExact.
	SentinelMatch string `toml:"sentinel_match"`
	// Framing is FramingRead or FramingLine.
	Framing string `toml:"framing"`
	// MaxConnections bounds concurrent handlers; 0 means unbounded. A client
	// accepted while every handler is busy waits with its socket open and is
	// not read until a handler frees, so its first records are stamped with
	// the time they are read, not the time they arrived.
	MaxConnections int `toml:"max_connections"`
	// ShutdownGrace is how long in-flight connections may keep running after
	// shutdown starts before they are closed by the server.
	ShutdownGrace time.Duration `toml:"shutdown_grace"`
	// ReconnectWindow is how long a remote host is remembered for reconnect logging.
	ReconnectWindow time.Duration `toml:"reconnect_window"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Log configures the operator log.
type Log struct {
	Level      string `toml:"level"`
	Pretty     bool   `toml:"pretty"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Metrics configures the prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Mirror configures the optional Redis stream mirror. An empty RedisAddr
// disables it.
type Mirror struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Stream        string `toml:"stream"`
	MaxLen        int64  `toml:"max_len"`
}

// Default returns the configuration used when no file or flag overrides a
// value.
//
// Returns:
//   - A Config listening on all interfaces, port 10000, writing test_<ms>.txt
//     into the working directory
func Default() Config {
	return Config{
		Server: Server{
			Host:            "",
			Port:            10000,
			OutputDir:       ".",
			Participant:     "test",
			ReadBufferSize:  2048,
			Sentinel:        "CLOSE",
			SentinelMatch:   MatchSubstring,
			Framing:         FramingRead,
			MaxConnections:  0,
			ShutdownGrace:   5 * time.Second,
			ReconnectWindow: time.Minute,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Mirror: Mirror{
			Stream: "sensor-ingest:records",
		},
	}
}

// Load reads a TOML file on top of Default and validates the result.
//
// Parameters:
//   - path: Path to the TOML file
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be decoded, contains unknown keys, or fails validation
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	s := c.Server
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Port)
	}

	if s.ReadBufferSize <= 0 {
		return fmt.Errorf("server.read_buffer_size must be positive, got %d", s.ReadBufferSize)
	}

	if s.Sentinel == "" {
		return fmt.Errorf("server.sentinel must not be empty")
	}

	switch s.SentinelMatch {
	case MatchSubstring, MatchExact:
	default:
		return fmt.Errorf("server.sentinel_match must be %q or %q, got %q", MatchSubstring, MatchExact, s.SentinelMatch)
	}

	switch s.Framing {
	case FramingRead, FramingLine:
	default:
		return fmt.Errorf("server.framing must be %q or %q, got %q", FramingRead, FramingLine, s.Framing)
	}

	if s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	if s.ShutdownGrace < 0 {
		return fmt.Errorf("server.shutdown_grace must not be negative")
	}

	if s.Participant == "" {
		return fmt.Errorf("server.participant must not be empty")
	}

	if c.Mirror.RedisAddr != "" && c.Mirror.Stream == "" {
		return fmt.Errorf("mirror.stream must be set when mirror.redis_addr is set")
	}

	return nil
}
