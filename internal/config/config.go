package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when --config is not given.
const DefaultPath = "visit-overlay.yaml"

// Config holds all visit-overlay configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Page      PageConfig      `yaml:"page"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watcher   WatcherConfig   `yaml:"watcher"`

	// Columns maps a column identifier to its enabled flag. Owned columns not listed are
	// enabled; host columns not listed are left alone.
	Columns map[string]bool `yaml:"columns"`
	// Anchors places owned columns: "start" (default), "end" or "after:<host column id>".
	Anchors map[string]string `yaml:"anchors"`

	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the Chrome connection.
type BrowserConfig struct {
	DebuggerURL        string   `yaml:"debugger_url"` // attach to a running Chrome
	Launch             []string `yaml:"launch"`       // binary followed by flags
	Headless           bool     `yaml:"headless"`
	ViewportWidth      int      `yaml:"viewport_width"`
	ViewportHeight     int      `yaml:"viewport_height"`
	NavigationTimeout  string   `yaml:"navigation_timeout"`
	StartURL           string   `yaml:"start_url"` // opened when no matching tab exists
	AttachExistingTabs bool     `yaml:"attach_existing_tabs"`
}

// PageConfig decides whether the current location is the scheduled visits page.
type PageConfig struct {
	PathContains string   `yaml:"path_contains"`
	Hosts        []string `yaml:"hosts"`
	ExcludeHosts []string `yaml:"exclude_hosts"`
}

// EndpointsConfig lists the host API paths. "{id}" is replaced with the record id.
type EndpointsConfig struct {
	ScheduledVisits string `yaml:"scheduled_visits"`
	Client          string `yaml:"client"`
	CarePlans       string `yaml:"care_plans"`
	CarePlanDetail  string `yaml:"care_plan_detail"`
}

// LookupConfig configures dependent record lookups.
type LookupConfig struct {
	// CarePlanChain extends each client lookup with the active care plan list and detail.
	CarePlanChain bool   `yaml:"care_plan_chain"`
	Transport     string `yaml:"transport"` // page, http
	BaseURL       string `yaml:"base_url"`  // required for the http transport
	Timeout       string `yaml:"timeout"`
}

// SchedulerConfig configures readiness polling.
type SchedulerConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// WatcherConfig configures row observation in a live browser.
type WatcherConfig struct {
	DrainInterval string `yaml:"drain_interval"`
}

// StatusConfig configures the optional status API.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			ViewportWidth:      1920,
			ViewportHeight:     1080,
			NavigationTimeout:  "30s",
			AttachExistingTabs: true,
		},
		Page: PageConfig{
			PathContains: "scheduling/scheduled-visits",
			Hosts:        []string{"alayacare.com", "alayacare.ca", "localhost"},
			ExcludeHosts: []string{"connector.alayacare.com", "connector.alayacare.ca"},
		},
		Endpoints: EndpointsConfig{
			ScheduledVisits: "/api/v1/scheduler/scheduled_visits",
			Client:          "/ext/api/v2/patients/clients/{id}",
			CarePlans:       "/ext/api/v2/clinical/client/{id}/careplans?status=active",
			CarePlanDetail:  "/api/v1/clinical/careplan/{id}",
		},
		Lookup: LookupConfig{
			CarePlanChain: false,
			Transport:     "page",
			Timeout:       "15s",
		},
		Scheduler: SchedulerConfig{
			PollInterval: "2s",
		},
		Watcher: WatcherConfig{
			DrainInterval: "250ms",
		},
		Columns: map[string]bool{
			"client-tags":          true,
			"client-city":          true,
			"client-careplan":      true,
			"service-instructions": false,
			"employee":             false,
			"facility":             false,
			"erl-code":             false,
			"approval-status":      false,
			"visit-status":         false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if u := os.Getenv("VISIT_OVERLAY_DEBUGGER_URL"); u != "" {
		c.Browser.DebuggerURL = u
	}
	if u := os.Getenv("VISIT_OVERLAY_BASE_URL"); u != "" {
		c.Lookup.BaseURL = u
	}
	if lvl := os.Getenv("VISIT_OVERLAY_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if v := os.Getenv("VISIT_OVERLAY_CARE_PLAN_CHAIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Lookup.CarePlanChain = b
		}
	}
}

// GetNavigationTimeout returns the navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetLookupTimeout returns the per-request lookup timeout.
func (c *Config) GetLookupTimeout() time.Duration {
	return parseDuration(c.Lookup.Timeout, 15*time.Second)
}

// GetPollInterval returns the scheduler tick interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Scheduler.PollInterval, 2*time.Second)
}

// GetDrainInterval returns how often observed rows are collected from the page.
func (c *Config) GetDrainInterval() time.Duration {
	return parseDuration(c.Watcher.DrainInterval, 250*time.Millisecond)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidTransports lists the supported lookup transports.
var ValidTransports = []string{"page", "http"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Page.PathContains) == "" {
		return fmt.Errorf("page.path_contains must not be empty")
	}
	if c.Endpoints.ScheduledVisits == "" {
		return fmt.Errorf("endpoints.scheduled_visits must not be empty")
	}
	if !strings.Contains(c.Endpoints.Client, "{id}") {
		return fmt.Errorf("endpoints.client must contain {id}: %q", c.Endpoints.Client)
	}
	for id, anchor := range c.Anchors {
		if anchor != "start" && anchor != "end" && !strings.HasPrefix(anchor, "after:") {
			return fmt.Errorf("invalid anchor for column %s: %q", id, anchor)
		}
	}
	if c.Lookup.CarePlanChain {
		if !strings.Contains(c.Endpoints.CarePlans, "{id}") || !strings.Contains(c.Endpoints.CarePlanDetail, "{id}") {
			return fmt.Errorf("care plan endpoints must contain {id} when lookup.care_plan_chain is set")
		}
	}

	validTransport := false
	for _, t := range ValidTransports {
		if c.Lookup.Transport == t {
			validTransport = true
			break
		}
	}
	if !validTransport {
		return fmt.Errorf("invalid lookup transport: %s (valid: %v)", c.Lookup.Transport, ValidTransports)
	}
	if c.Lookup.Transport == "http" {
		u, err := url.Parse(c.Lookup.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("lookup.base_url must be an absolute URL for the http transport (got %q)", c.Lookup.BaseURL)
		}
	}
	return nil
}

// IsColumnEnabled reports the configured flag for a column, defaulting to enabled.
func (c *Config) IsColumnEnabled(id string) bool {
	enabled, ok := c.Columns[id]
	if !ok {
		return true
	}
	return enabled
}
