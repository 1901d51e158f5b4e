package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	Store StoreConfig       `yaml:"store"`
	Undo  UndoConfig        `yaml:"undo"`
	Auth  AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Undo.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig holds the note store location and the persistence tuning.
// Zero durations select the engine defaults.
type StoreConfig struct {
	Path             string        `yaml:"path"`
	JournalPath      string        `yaml:"journal_path"` // defaults to journal.db inside the store
	JournalFlush     time.Duration `yaml:"journal_flush"`
	Debounce         time.Duration `yaml:"debounce"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxWriteAttempts int           `yaml:"max_write_attempts"`
	TrashRetention   time.Duration `yaml:"trash_retention"`
	// CompactInterval is how often trash past retention is purged. Zero
	// disables the periodic pass.
	CompactInterval time.Duration `yaml:"compact_interval"`
	// Watch applies edits made to note files by other programs.
	Watch bool `yaml:"watch"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.DrainTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryBackoff, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxWriteAttempts, validation.Min(0)),
		validation.Field(&c.TrashRetention, validation.Min(time.Duration(0))),
		validation.Field(&c.JournalFlush, validation.Min(time.Duration(0))),
		validation.Field(&c.CompactInterval, validation.Min(time.Duration(0))),
	)
}

// UndoConfig bounds the undo history.
type UndoConfig struct {
	Depth int `yaml:"depth"`
}

// Validate validates the undo configuration.
func (c *UndoConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Depth, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Path:             "./notes-store",
			Debounce:         250 * time.Millisecond,
			DrainTimeout:     5 * time.Second,
			RetryBackoff:     100 * time.Millisecond,
			MaxWriteAttempts: 5,
			JournalFlush:     200 * time.Millisecond,
			TrashRetention:   30 * 24 * time.Hour,
			CompactInterval:  time.Hour,
			Watch:            true,
		},
		Undo: UndoConfig{
			Depth: 100,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
