// Package logging provides config-driven categorized logging for visit-overlay.
// Every subsystem logs through a named child of one zap root logger; categories can be
// switched off individually in the config without touching the callers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // CLI startup, config
	CategoryBrowser   Category = "browser"   // Chrome connection, page targets
	CategoryTap       Category = "tap"       // Network interception
	CategoryCorrelate Category = "correlate" // Visit/client/care-plan lookups
	CategoryRender    Category = "render"    // Header and cell injection
	CategoryWatch     Category = "watch"     // Row container observation
	CategoryScheduler Category = "scheduler" // Readiness polling, state transitions
	CategoryStatus    Category = "status"    // Status API
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string // json, console
	File       string
	Categories map[string]bool
}

// New builds the root logger. Output goes to stderr and, when File is set, to that file too.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return newCategorized(logger, cfg.Categories), nil
}

// ParseLevel maps the config level names onto zap levels. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// categories is stored on the root logger's core so For can consult it.
type categorizedCore struct {
	zapcore.Core
	enabled map[string]bool
}

func (c *categorizedCore) With(fields []zapcore.Field) zapcore.Core {
	return &categorizedCore{Core: c.Core.With(fields), enabled: c.enabled}
}

func newCategorized(l *zap.Logger, enabled map[string]bool) *zap.Logger {
	if len(enabled) == 0 {
		return l
	}
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &categorizedCore{Core: core, enabled: enabled}
	}))
}

// IsCategoryEnabled returns whether a category is enabled in the given toggle map.
// Categories not listed are enabled.
func IsCategoryEnabled(toggles map[string]bool, category Category) bool {
	if toggles == nil {
		return true
	}
	enabled, exists := toggles[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// For returns the category logger derived from root, or a no-op logger when the
// category is switched off.
func For(root *zap.Logger, category Category) *zap.Logger {
	if root == nil {
		return zap.NewNop()
	}
	if cc, ok := root.Core().(*categorizedCore); ok && !IsCategoryEnabled(cc.enabled, category) {
		return zap.NewNop()
	}
	return root.Named(string(category))
}
