// Package config loads the agentstream server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agime-team/agentstream/ratelimit"
)

const (
	projectConfigName = "agentstream.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".agentstream"
)

// Kinds are the execution kinds served by default.
var Kinds = []string{"chat", "mission", "task"}

// File is the on-disk configuration shape.
type File struct {
	Server     ServerConfig         `yaml:"server"`
	Stream     StreamConfig         `yaml:"stream"`
	Reaper     ReaperConfig         `yaml:"reaper"`
	RateLimits map[string]RateLimit `yaml:"rate_limits,omitempty"`
	Ledger     LedgerConfig         `yaml:"ledger"`
	Telemetry  TelemetryConfig      `yaml:"telemetry"`
	Providers  map[string]Provider  `yaml:"providers,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin,omitempty"`
	MaxBody      int64         `yaml:"max_body,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StreamConfig holds push session and event bus settings.
type StreamConfig struct {
	Heartbeat   time.Duration `yaml:"heartbeat,omitempty"`
	MaxLifetime time.Duration `yaml:"max_lifetime,omitempty"`
	BufferSize  int           `yaml:"buffer_size,omitempty"`
}

// ReaperConfig holds stale sweep settings. MaxAge is keyed by kind.
type ReaperConfig struct {
	Schedule string                   `yaml:"schedule,omitempty"`
	MaxAge   map[string]time.Duration `yaml:"max_age,omitempty"`
}

// RateLimit is one named fixed-window limiter.
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// LedgerConfig selects the execution ledger. An empty SQLitePath keeps
// records in memory.
type LedgerConfig struct {
	SQLitePath     string        `yaml:"sqlite_path,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
}

// Provider configures one LLM provider runner.
type Provider struct {
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
	System string `yaml:"system,omitempty"`
}

// Default returns the built-in configuration.
func Default() File {
	limits := make(map[string]RateLimit)
	for _, name := range ratelimit.PresetNames() {
		s, _ := ratelimit.PresetSettings(name)
		limits[name] = RateLimit{MaxRequests: s.MaxRequests, Window: s.Window}
	}
	maxAge := make(map[string]time.Duration, len(Kinds))
	for _, kind := range Kinds {
		maxAge[kind] = 2 * time.Hour
	}
	return File{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8090,
			MaxBody: 1 << 20,
		},
		Stream: StreamConfig{
			Heartbeat:   10 * time.Second,
			MaxLifetime: 2 * time.Hour,
			BufferSize:  512,
		},
		Reaper: ReaperConfig{
			Schedule: "@every 5m",
			MaxAge:   maxAge,
		},
		RateLimits: limits,
		Telemetry:  TelemetryConfig{ServiceName: "agentstream"},
	}
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path over the defaults and expands ${VAR} references in
// string values. An empty path returns the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	clean := strings.TrimSpace(path)
	if clean == "" {
		return cfg, nil
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(clean)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", clean, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", clean, err)
	}
	cfg.expand()

	if cfg.Ledger.SQLitePath != "" {
		cfg.Ledger.SQLitePath = resolveConfigRelative(filepath.Dir(clean), cfg.Ledger.SQLitePath)
	}
	return cfg, nil
}

func (f *File) expand() {
	f.Server.Host = expandEnvValue(f.Server.Host)
	f.Server.CORSOrigin = expandEnvValue(f.Server.CORSOrigin)
	f.Reaper.Schedule = expandEnvValue(f.Reaper.Schedule)
	f.Ledger.SQLitePath = expandEnvValue(f.Ledger.SQLitePath)
	f.Telemetry.ServiceName = expandEnvValue(f.Telemetry.ServiceName)
	f.Telemetry.OTLPEndpoint = expandEnvValue(f.Telemetry.OTLPEndpoint)
	for name, p := range f.Providers {
		p.APIKey = expandEnvValue(p.APIKey)
		p.Model = expandEnvValue(p.Model)
		p.System = expandEnvValue(p.System)
		f.Providers[name] = p
	}
}

// Validate checks value ranges.
func (f File) Validate() error {
	var errs []error
	if f.Server.Port < 0 || f.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", f.Server.Port))
	}
	if f.Stream.Heartbeat <= 0 {
		errs = append(errs, errors.New("stream.heartbeat must be positive"))
	}
	if f.Stream.MaxLifetime <= 0 {
		errs = append(errs, errors.New("stream.max_lifetime must be positive"))
	}
	if f.Stream.BufferSize <= 0 {
		errs = append(errs, errors.New("stream.buffer_size must be positive"))
	}
	for _, kind := range sortedKeys(f.Reaper.MaxAge) {
		if f.Reaper.MaxAge[kind] <= 0 {
			errs = append(errs, fmt.Errorf("reaper.max_age.%s must be positive", kind))
		}
	}
	for _, name := range sortedKeys(f.RateLimits) {
		rl := f.RateLimits[name]
		if rl.MaxRequests <= 0 || rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs positive max_requests and window", name))
		}
	}
	if f.Ledger.RetentionCount < 0 || f.Ledger.RetentionAge < 0 {
		errs = append(errs, errors.New("ledger retention must not be negative"))
	}
	return errors.Join(errs...)
}

// MaxAgeFor returns the stale threshold for kind, falling back to 2h.
func (f File) MaxAgeFor(kind string) time.Duration {
	if d, ok := f.Reaper.MaxAge[kind]; ok && d > 0 {
		return d
	}
	return 2 * time.Hour
}

// Limiter returns the named limiter settings, falling back to the
// built-in preset.
func (f File) Limiter(name string) (RateLimit, bool) {
	if rl, ok := f.RateLimits[name]; ok {
		return rl, true
	}
	if s, ok := ratelimit.PresetSettings(name); ok {
		return RateLimit{MaxRequests: s.MaxRequests, Window: s.Window}, true
	}
	return RateLimit{}, false
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	if strings.HasPrefix(p, "file:") || p == ":memory:" {
		return p
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
