package config

import "visitoverlay/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, console
	File       string          `yaml:"file"`       // optional extra output
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories that are not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	return logging.IsCategoryEnabled(c.Categories, logging.Category(category))
}

// ToLogging converts the YAML section into the logging package's options.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Categories: c.Categories,
	}
}
