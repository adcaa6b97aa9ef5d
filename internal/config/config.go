package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"calrecur/internal/ics"
	"calrecur/internal/recurrence"
)

const (
	DefaultPath     = "./calrecur.yaml"
	defaultListen   = "127.0.0.1:8080"
	defaultDatabase = "./var/calrecur.db"
	defaultCacheDir = "./var/feed-cache"
	defaultRefresh  = "*/15 * * * *"

	EnvListen   = "CALRECUR_LISTEN"
	EnvDatabase = "CALRECUR_DATABASE"
	EnvLogLevel = "CALRECUR_LOG_LEVEL"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// SubscriptionConfig describes a single remote calendar feed.
type SubscriptionConfig struct {
	// ID tags imported events so a refresh can replace them.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// ProdIDConfig supplies the two variable parts of the PRODID header.
type ProdIDConfig struct {
	App    string `yaml:"app" json:"app"`
	Locale string `yaml:"locale" json:"locale"`
}

// ExportConfig enables a periodic snapshot of all events to Path.
type ExportConfig struct {
	Path string `yaml:"path" json:"path"`
	// Cron is a standard 5-field schedule. Empty disables the job.
	Cron string `yaml:"cron" json:"cron"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite path, or ":memory:".
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	ProdID    ProdIDConfig `yaml:"prodid" json:"prodid"`
	UIDDomain string       `yaml:"uid_domain" json:"uid_domain"`

	// MaxInstances caps a single expansion. Values outside 1..100 are clamped.
	MaxInstances int `yaml:"max_instances" json:"max_instances"`

	// Palette is the set of colors given to categories created on import.
	Palette      []string `yaml:"palette" json:"palette"`
	DefaultEmoji string   `yaml:"default_emoji" json:"default_emoji"`

	// RefreshCron schedules subscription refresh (e.g. "*/15 * * * *").
	RefreshCron   string               `yaml:"refresh" json:"refresh"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`
	CacheDir      string               `yaml:"cache_dir" json:"cache_dir"`

	Export ExportConfig `yaml:"export" json:"export"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Database:      defaultDatabase,
		LogLevel:      "info",
		ProdID:        ProdIDConfig{App: "Calrecur", Locale: "EN"},
		UIDDomain:     ics.DefaultUIDDomain,
		MaxInstances:  recurrence.DefaultMaxInstances,
		Palette:       append([]string(nil), ics.DefaultPalette...),
		DefaultEmoji:  ics.DefaultEmoji,
		RefreshCron:   defaultRefresh,
		Subscriptions: []SubscriptionConfig{},
		CacheDir:      defaultCacheDir,
	}
}

// Normalize fills in missing or out-of-range values so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	if c.ProdID.App == "" {
		c.ProdID.App = "Calrecur"
	}
	if c.ProdID.Locale == "" {
		c.ProdID.Locale = "EN"
	}
	if c.UIDDomain == "" {
		c.UIDDomain = ics.DefaultUIDDomain
	}
	if c.MaxInstances < 1 || c.MaxInstances > recurrence.DefaultMaxInstances {
		c.MaxInstances = recurrence.DefaultMaxInstances
	}

	palette := c.Palette[:0:0]
	for _, p := range c.Palette {
		if hexColor.MatchString(p) {
			palette = append(palette, p)
		}
	}
	if len(palette) == 0 {
		palette = append(palette, ics.DefaultPalette...)
	}
	c.Palette = palette

	if c.DefaultEmoji == "" {
		c.DefaultEmoji = ics.DefaultEmoji
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = c.Subscriptions[i].URL
		}
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// ApplyEnv loads envFile (if present) into the process environment and
// applies the CALRECUR_* overrides. A missing envFile is not an error.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	c.Normalize()
	return nil
}

// Sources converts the subscriptions into fetcher sources.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.URL == "" {
			continue
		}
		out = append(out, ics.Source{ID: s.ID, Name: s.Name, URL: s.URL})
	}
	return out
}

func (c *Config) Encoder() ics.Encoder {
	return ics.Encoder{
		ProdID:    ics.ProdID(c.ProdID.App, c.ProdID.Locale),
		UIDDomain: c.UIDDomain,
	}
}

func (c *Config) Decoder() ics.Decoder {
	return ics.Decoder{
		Palette:      c.Palette,
		DefaultEmoji: c.DefaultEmoji,
	}
}

func (c *Config) Expander() recurrence.Expander {
	return recurrence.Expander{MaxInstances: c.MaxInstances}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calrecur-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
