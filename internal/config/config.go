// Package config loads client and developer-server settings from the
// environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"

	"github.com/isgasho/wosim/internal/channel"
	"github.com/isgasho/wosim/internal/client"
	"github.com/isgasho/wosim/internal/predict"
	"github.com/isgasho/wosim/internal/session"
)

// Transport kinds
const (
	TransportUDP       = "udp"
	TransportQUIC      = "quic"
	TransportWebSocket = "websocket"
)

// Config is every tunable of a wosim client.
type Config struct {
	Host      string `env:"WOSIM_HOST"      envDefault:"127.0.0.1"`
	Port      int    `env:"WOSIM_PORT"      envDefault:"2021"`
	Transport string `env:"WOSIM_TRANSPORT" envDefault:"udp"`
	Insecure  bool   `env:"WOSIM_INSECURE"` // skip QUIC certificate verification

	Token       string `env:"WOSIM_TOKEN"`
	TokenSecret string `env:"WOSIM_TOKEN_SECRET"` // hex, used by serve and token

	TickRate          int           `env:"WOSIM_TICK_RATE"          envDefault:"20"`
	HandshakeTimeout  time.Duration `env:"WOSIM_HANDSHAKE_TIMEOUT"  envDefault:"5s"`
	RetransmitInitial time.Duration `env:"WOSIM_RETRANSMIT_INITIAL" envDefault:"100ms"`
	RetransmitMax     time.Duration `env:"WOSIM_RETRANSMIT_MAX"     envDefault:"2s"`
	MaxRetries        int           `env:"WOSIM_MAX_RETRIES"        envDefault:"5"`
	DisconnectTimeout time.Duration `env:"WOSIM_DISCONNECT_TIMEOUT" envDefault:"1s"`
	PingInterval      time.Duration `env:"WOSIM_PING_INTERVAL"      envDefault:"1s"`
	DecodeErrorLimit  int           `env:"WOSIM_DECODE_ERROR_LIMIT" envDefault:"16"`

	SnapshotCapacity    int           `env:"WOSIM_SNAPSHOT_CAPACITY"    envDefault:"32"`
	HistoryCapacity     int           `env:"WOSIM_HISTORY_CAPACITY"     envDefault:"120"`
	CorrectionThreshold float64       `env:"WOSIM_CORRECTION_THRESHOLD" envDefault:"0.05"`
	InterpolationDelay  time.Duration `env:"WOSIM_INTERPOLATION_DELAY"  envDefault:"150ms"`
	InputRedundancy     int           `env:"WOSIM_INPUT_REDUNDANCY"     envDefault:"3"`

	TelemetryDSN   string        `env:"WOSIM_TELEMETRY_DSN"`
	SampleInterval time.Duration `env:"WOSIM_SAMPLE_INTERVAL" envDefault:"5s"`
	MetricsAddr    string        `env:"WOSIM_METRICS_ADDR"`
}

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every impossible value at once.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}
	check(c.Host != "", "host is empty")
	check(c.Port > 0 && c.Port < 65536, "port %d out of range", c.Port)
	check(c.Transport == TransportUDP || c.Transport == TransportQUIC || c.Transport == TransportWebSocket,
		"unknown transport %q", c.Transport)
	check(c.TickRate > 0 && c.TickRate <= 1000, "tick rate %d out of range", c.TickRate)
	check(c.HandshakeTimeout > 0, "handshake timeout must be positive")
	check(c.RetransmitInitial > 0, "retransmit initial must be positive")
	check(c.RetransmitMax >= c.RetransmitInitial, "retransmit max %s below initial %s", c.RetransmitMax, c.RetransmitInitial)
	check(c.MaxRetries >= 0, "max retries %d is negative", c.MaxRetries)
	check(c.DisconnectTimeout > 0, "disconnect timeout must be positive")
	check(c.PingInterval > 0, "ping interval must be positive")
	check(c.DecodeErrorLimit > 0, "decode error limit must be positive")
	check(c.SnapshotCapacity >= 2, "snapshot capacity %d cannot interpolate", c.SnapshotCapacity)
	check(c.HistoryCapacity > 0, "history capacity must be positive")
	check(c.CorrectionThreshold >= 0, "correction threshold is negative")
	check(c.InterpolationDelay >= 0, "interpolation delay is negative")
	check(c.InputRedundancy >= 1, "input redundancy must be at least 1")
	check(c.SampleInterval > 0, "sample interval must be positive")
	return err
}

// Addr is the server address as host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TickDelta is the duration of one simulation tick.
func (c Config) TickDelta() time.Duration {
	if c.TickRate <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(c.TickRate)
}

// Session returns the session settings.
func (c Config) Session() session.Config {
	return session.Config{
		Token:             c.Token,
		HandshakeTimeout:  c.HandshakeTimeout,
		DisconnectTimeout: c.DisconnectTimeout,
		PingInterval:      c.PingInterval,
		DecodeErrorLimit:  c.DecodeErrorLimit,
		Channel: channel.Config{
			RetransmitInitial: c.RetransmitInitial,
			RetransmitMax:     c.RetransmitMax,
			MaxRetries:        c.MaxRetries,
		},
	}
}

// Predict returns the engine settings.
func (c Config) Predict() predict.Config {
	return predict.Config{
		HistoryCapacity:     c.HistoryCapacity,
		CorrectionThreshold: c.CorrectionThreshold,
	}
}

// Client returns the settings of the client facade.
func (c Config) Client() client.Config {
	return client.Config{
		Session:            c.Session(),
		Predict:            c.Predict(),
		SnapshotCapacity:   c.SnapshotCapacity,
		InterpolationDelay: c.InterpolationDelay,
		InputRedundancy:    c.InputRedundancy,
		SampleInterval:     c.SampleInterval,
	}
}
