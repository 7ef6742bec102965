package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SubscriptionConfig describes a single ICS subscription source.
type SubscriptionConfig struct {
	// ID tags every imported event and keys the fetch cache.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type WindowConfig struct {
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

type OpenAIConfig struct {
	APIKey          string `yaml:"api_key" json:"-"`
	BaseURL         string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	TranscribeModel string `yaml:"transcribe_model" json:"transcribe_model"`
	ChatModel       string `yaml:"chat_model" json:"chat_model"`
}

type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Calendar string `yaml:"calendar" json:"calendar"`
}

type GoogleConfig struct {
	CredentialsFile string   `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string   `yaml:"token_file" json:"token_file"`
	CalendarIDs     []string `yaml:"calendar_ids" json:"calendar_ids"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for calendar days (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a five-field cron spec for subscription refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DataDir holds the ICS cache, the shopping list and preferences.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	MeetingColor string `yaml:"meeting_color" json:"meeting_color"`
	LogLevel     string `yaml:"log_level" json:"log_level"`

	Window        WindowConfig         `yaml:"window" json:"window"`
	Database      DatabaseConfig       `yaml:"database" json:"database"`
	OpenAI        OpenAIConfig         `yaml:"openai" json:"openai"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// CalDAV and Google are optional providers; nil disables them.
	CalDAV *CalDAVConfig `yaml:"caldav,omitempty" json:"caldav,omitempty"`
	Google *GoogleConfig `yaml:"google,omitempty" json:"google,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// JWTSecret, if set, enables bearer-token auth instead of BasicAuth.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"-"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "UTC",
		WeekStart:     "monday",
		RefreshCron:   "*/15 * * * *",
		DataDir:       "./var",
		MeetingColor:  "#7c3aed",
		LogLevel:      "INFO",
		Window:        WindowConfig{PastDays: 14, FutureDays: 90},
		Database:      DatabaseConfig{Driver: "sqlite3", DSN: "./var/currently.db"},
		OpenAI:        OpenAIConfig{TranscribeModel: "whisper-1", ChatModel: "gpt-4o"},
		Subscriptions: []SubscriptionConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.MeetingColor == "" {
		c.MeetingColor = def.MeetingColor
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Window.PastDays <= 0 {
		c.Window.PastDays = def.Window.PastDays
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = def.Window.FutureDays
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	case "postgresql":
		c.Database.Driver = "postgres"
	default:
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = filepath.Join(c.DataDir, "currently.db")
	}
	if c.OpenAI.TranscribeModel == "" {
		c.OpenAI.TranscribeModel = def.OpenAI.TranscribeModel
	}
	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = def.OpenAI.ChatModel
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = "ics-" + strings.ToLower(strings.ReplaceAll(strings.TrimSpace(c.Subscriptions[i].Name), " ", "-"))
		}
	}
}

// Location resolves Timezone, falling back to UTC for unknown zones.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.New("unknown timezone " + c.Timezone)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("postgres driver needs database.dsn or DATABASE_URL")
	}
	seen := map[string]bool{}
	for _, s := range c.Subscriptions {
		if s.URL == "" {
			return errors.New("subscription " + s.ID + " has no url")
		}
		if seen[s.ID] {
			return errors.New("duplicate subscription id " + s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// envOverrides maps environment variables onto config fields. They win
// over the YAML file.
var envOverrides = map[string]func(*Config, string){
	"DATABASE_URL": func(c *Config, v string) {
		c.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Driver = "postgres"
		}
	},
	"OPENAI_API_KEY":     func(c *Config, v string) { c.OpenAI.APIKey = v },
	"JWT_SECRET":         func(c *Config, v string) { c.JWTSecret = v },
	"CURRENTLY_LISTEN":   func(c *Config, v string) { c.Listen = v },
	"CURRENTLY_TIMEZONE": func(c *Config, v string) { c.Timezone = v },
	"LOG_LEVEL":          func(c *Config, v string) { c.LogLevel = v },
}

// ApplyEnv loads .env (when present) into the process environment and then
// applies the known overrides.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()
	for name, set := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			set(c, v)
		}
	}
	c.Normalize()
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the YAML is decoded and defaults are filled in.
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file and rename, leaving
// the final file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".currently-config-*.tmp")
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
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
