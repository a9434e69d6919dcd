package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig is the root typed view of config.toml.
type ServerConfig struct {
	Server     ServerSection       `toml:"server"`
	Retention  RetentionSection    `toml:"retention"`
	Logging    LoggingSection      `toml:"logging"`
	Admin      AdminSection        `toml:"admin"`
	Providers  map[string]Provider `toml:"provider"`
	Routes     []Route             `toml:"routes"`
	AutoRouter AutoRouterConfig    `toml:"auto_router"`
	Default    DefaultSection      `toml:"default"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MaxBodySize int64  `toml:"max_body_size"`
}

type RetentionSection struct {
	Enabled bool `toml:"enabled"`
	Minutes int  `toml:"minutes"`
}

type LoggingSection struct {
	Metrics MetricsLogConfig `toml:"metrics"`
}

type MetricsLogConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	MaxSizeMB int64  `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type AdminSection struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Token   string `toml:"token,omitempty"`
}

// Provider is a declared upstream endpoint. Immutable after startup.
type Provider struct {
	URL             string `toml:"url"`
	StripAuth       bool   `toml:"strip_auth"`
	APIKey          string `toml:"api_key,omitempty"`
	StubCountTokens bool   `toml:"stub_count_tokens"`
}

// Route is a routing candidate: pattern-only, description-only (auto), or
// both. Kind() classifies a route by which of those fields are set.
type Route struct {
	Name         string `toml:"name,omitempty"`
	Description  string `toml:"description,omitempty"`
	Pattern      string `toml:"pattern,omitempty"`
	Provider     string `toml:"provider"`
	ModelRewrite string `toml:"model,omitempty"`

	compiled *regexp.Regexp
}

type RouteKind int

const (
	RouteKindPattern RouteKind = iota
	RouteKindAuto
	RouteKindBoth
)

func (r Route) Kind() RouteKind {
	hasPattern := strings.TrimSpace(r.Pattern) != ""
	hasDesc := strings.TrimSpace(r.Description) != ""
	switch {
	case hasPattern && hasDesc:
		return RouteKindBoth
	case hasDesc:
		return RouteKindAuto
	default:
		return RouteKindPattern
	}
}

// Compiled returns the route's compiled regex, or nil if it has none.
func (r Route) Compiled() *regexp.Regexp {
	return r.compiled
}

type AutoRouterConfig struct {
	Enabled   bool   `toml:"enabled"`
	URL       string `toml:"url,omitempty"`
	Model     string `toml:"model,omitempty"`
	TimeoutMs int    `toml:"timeout_ms"`
}

type DefaultSection struct {
	Provider string `toml:"provider"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/croxy/config.toml"
	}
	return filepath.Join(home, ".config", "croxy", "config.toml")
}

func DefaultMetricsLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/croxy/logs/metrics.jsonl"
	}
	return filepath.Join(home, ".config", "croxy", "logs", "metrics.jsonl")
}

func NewDefault() *ServerConfig {
	return defaultConfig()
}

// defaultConfig returns a config pre-populated with every documented
// default, so that unmarshaling a TOML document over it only overwrites
// the keys the document actually sets. This is how "retention.enabled
// defaults to true" works despite the bare zero value of bool being
// false: the zero value is never observed because the default is already
// true before parsing begins.
func defaultConfig() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Host:        "127.0.0.1",
			Port:        3100,
			MaxBodySize: 10 * 1024 * 1024,
		},
		Retention: RetentionSection{
			Enabled: true,
			Minutes: 60,
		},
		Logging: LoggingSection{
			Metrics: MetricsLogConfig{
				Path:      DefaultMetricsLogPath(),
				MaxSizeMB: 50,
				MaxFiles:  5,
			},
		},
		Providers: map[string]Provider{},
		AutoRouter: AutoRouterConfig{
			TimeoutMs: 2000,
		},
	}
}

// Load reads path, applies CROXY_<SECTION>_<KEY> environment overrides,
// normalizes defaults, validates, and compiles route patterns.
func Load(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	applyEnvOverrides(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.compileRoutes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills in any default left unset by a partial config (e.g. one
// built programmatically by croxy init or a test) rather than one loaded
// from a full TOML document via defaultConfig.
func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3100
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = 10 * 1024 * 1024
	}
	if c.Retention.Minutes == 0 {
		c.Retention.Minutes = 60
	}
	if c.Logging.Metrics.Path == "" {
		c.Logging.Metrics.Path = DefaultMetricsLogPath()
	}
	if c.Logging.Metrics.MaxSizeMB == 0 {
		c.Logging.Metrics.MaxSizeMB = 50
	}
	if c.Logging.Metrics.MaxFiles == 0 {
		c.Logging.Metrics.MaxFiles = 5
	}
	if c.AutoRouter.TimeoutMs == 0 {
		c.AutoRouter.TimeoutMs = 2000
	}
	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
}

func (c *ServerConfig) Validate() error {
	if c.AutoRouter.Enabled {
		if strings.TrimSpace(c.AutoRouter.URL) == "" || strings.TrimSpace(c.AutoRouter.Model) == "" {
			return fmt.Errorf("auto_router enabled but url or model is empty")
		}
		hasDescribed := false
		for _, r := range c.Routes {
			if strings.TrimSpace(r.Description) != "" {
				hasDescribed = true
				break
			}
		}
		if !hasDescribed {
			fmt.Fprintln(os.Stderr, "warn: auto_router enabled but no route carries a description")
		}
	}

	seenNames := map[string]struct{}{}
	for i, r := range c.Routes {
		name := strings.TrimSpace(r.Name)
		desc := strings.TrimSpace(r.Description)
		pattern := strings.TrimSpace(r.Pattern)
		if desc != "" && name == "" {
			return fmt.Errorf("route %d: description set without name", i)
		}
		if pattern == "" && desc == "" {
			return fmt.Errorf("route %d: neither pattern nor description set", i)
		}
		if name != "" {
			if _, dup := seenNames[name]; dup {
				return fmt.Errorf("route %d: duplicate route name %q", i, name)
			}
			seenNames[name] = struct{}{}
		}
		if _, ok := c.Providers[r.Provider]; !ok {
			return fmt.Errorf("route %d: references undeclared provider %q", i, r.Provider)
		}
	}
	if strings.TrimSpace(c.Default.Provider) != "" {
		if _, ok := c.Providers[c.Default.Provider]; !ok {
			return fmt.Errorf("default.provider references undeclared provider %q", c.Default.Provider)
		}
	}
	return nil
}

func (c *ServerConfig) compileRoutes() error {
	for i := range c.Routes {
		pattern := strings.TrimSpace(c.Routes[i].Pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("route %d: invalid pattern %q: %w", i, pattern, err)
		}
		c.Routes[i].compiled = re
	}
	return nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentSymbol("  ")
	enc.SetArraysMultiline(true)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyEnvOverrides scans CROXY_<SECTION>_<KEY> environment variables and
// assigns them onto the matching toml-tagged scalar field. Nested
// sections (e.g. logging.metrics) are addressed as
// CROXY_LOGGING_METRICS_<KEY>; names containing underscores
// (auto_router, max_size_mb) are matched across the split segments.
func applyEnvOverrides(cfg *ServerConfig) {
	const prefix = "CROXY_"
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.ToLower(strings.TrimPrefix(key, prefix))
		parts := strings.Split(rest, "_")
		setByTOMLPath(reflect.ValueOf(cfg).Elem(), parts, val)
	}
}

func setByTOMLPath(v reflect.Value, path []string, val string) bool {
	if len(path) == 0 || v.Kind() != reflect.Struct {
		return false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.ToLower(strings.Split(field.Tag.Get("toml"), ",")[0])
		if tag == "" {
			continue
		}
		// A tag may span several path segments when it contains
		// underscores (e.g. max_body_size from an env var name).
		n := 0
		for k := 1; k <= len(path); k++ {
			if strings.Join(path[:k], "_") == tag {
				n = k
				break
			}
		}
		if n == 0 {
			continue
		}
		fv := v.Field(i)
		if n == len(path) {
			return assignScalar(fv, val)
		}
		if fv.Kind() == reflect.Struct {
			return setByTOMLPath(fv, path[n:], val)
		}
	}
	return false
}

func assignScalar(fv reflect.Value, val string) bool {
	if !fv.CanSet() {
		return false
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(val)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return false
		}
		fv.SetInt(n)
	default:
		return false
	}
	return true
}

// Get reads the value at a dotted TOML key path (e.g. "server.port",
// "retention.enabled") and renders it as a string. Used by the config CLI's
// get subcommand.
func Get(cfg *ServerConfig, dottedKey string) (string, error) {
	parts := strings.Split(strings.ToLower(dottedKey), ".")
	fv, ok := fieldByTOMLPath(reflect.ValueOf(cfg).Elem(), parts)
	if !ok {
		return "", fmt.Errorf("unknown config key %q", dottedKey)
	}
	return fmt.Sprintf("%v", fv.Interface()), nil
}

// Set assigns val to the dotted TOML key path in place. Callers are
// expected to Normalize and Validate the config afterward, same as a
// freshly loaded one.
func Set(cfg *ServerConfig, dottedKey, val string) error {
	parts := strings.Split(strings.ToLower(dottedKey), ".")
	if !setByTOMLPath(reflect.ValueOf(cfg).Elem(), parts, val) {
		return fmt.Errorf("unknown or unsettable config key %q", dottedKey)
	}
	return nil
}

func fieldByTOMLPath(v reflect.Value, path []string) (reflect.Value, bool) {
	if len(path) == 0 || v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("toml"), ",")[0]
		if tag == "" || strings.ToLower(tag) != path[0] {
			continue
		}
		fv := v.Field(i)
		if len(path) == 1 {
			return fv, true
		}
		if fv.Kind() == reflect.Struct {
			return fieldByTOMLPath(fv, path[1:])
		}
		return reflect.Value{}, false
	}
	return reflect.Value{}, false
}

// ConfigStore wraps a loaded config behind an in-process lock so callers
// can read it and atomically rewrite it (validate, save, swap) without
// racing each other. The lock does not coordinate with other processes
// writing the same file.
type ConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewStore(path string, cfg *ServerConfig) *ConfigStore {
	return &ConfigStore{path: path, cfg: cfg}
}

func (s *ConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *ConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := cp.compileRoutes(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
