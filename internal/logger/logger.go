// Package logger hands out per-subsystem structured loggers.
//
// Levels and format come from the environment:
//
//	WOSIM_LOG_LEVEL=channel=debug,session=info,warn
//	WOSIM_LOG_FORMAT=json
//
// Entries without a subsystem prefix set the default level.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the handler output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the parsed logging environment
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
}

// LevelFor returns the level configured for subsystem.
func (c *Config) LevelFor(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

var (
	mu      sync.Mutex
	cfg     *Config
	output  io.Writer = os.Stderr
	loggers           = map[string]*slog.Logger{}
	levels            = map[string]*slog.LevelVar{}
)

// ParseConfig reads WOSIM_LOG_LEVEL and WOSIM_LOG_FORMAT.
func ParseConfig(levelSpec, format string) *Config {
	c := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if sub, lvl, ok := strings.Cut(part, "="); ok {
			if l, ok := parseLevel(lvl); ok {
				c.SubsystemLevels[strings.TrimSpace(sub)] = l
			}
			continue
		}
		if l, ok := parseLevel(part); ok {
			c.DefaultLevel = l
		}
	}
	if strings.EqualFold(format, "json") {
		c.Format = FormatJSON
	}
	return c
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func config() *Config {
	if cfg == nil {
		cfg = ParseConfig(os.Getenv("WOSIM_LOG_LEVEL"), os.Getenv("WOSIM_LOG_FORMAT"))
	}
	return cfg
}

// Logger returns the logger for subsystem, creating it on first use.
// Repeated calls return the same instance.
func Logger(subsystem string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	c := config()
	lv := new(slog.LevelVar)
	lv.Set(c.LevelFor(subsystem))

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if c.Format == FormatJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	l := slog.New(h).With("subsystem", subsystem)
	loggers[subsystem] = l
	levels[subsystem] = lv
	return l
}

// SetLevel changes the level of an existing subsystem logger at runtime.
func SetLevel(subsystem string, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if lv, ok := levels[subsystem]; ok {
		lv.Set(level)
	}
}

// Configure replaces the environment-derived config and output. Loggers
// created before the call keep their handlers.
func Configure(c *Config, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
	if w != nil {
		output = w
	}
}
