package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// TokenEnv is the environment variable holding the bearer token.
const TokenEnv = "CHATSYNC_TOKEN"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents profiles/<name>/profile.toml.
type Profile struct {
	ServerURL       string   `toml:"server_url"`
	SocketURL       string   `toml:"socket_url"`
	Namespace       string   `toml:"namespace"`
	UserID          string   `toml:"user_id"`
	OrgID           string   `toml:"org_id"`
	MetricsAddr     string   `toml:"metrics_addr"`
	ReconnectMin    Duration `toml:"reconnect_min"`
	ReconnectMax    Duration `toml:"reconnect_max"`
	PageSize        int      `toml:"page_size"`
	MutationTimeout Duration `toml:"mutation_timeout"`

	// Token is read from the environment, never from TOML.
	Token string `toml:"-"`
}

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultProfile returns the values used for unset profile fields.
func DefaultProfile() Profile {
	return Profile{
		Namespace:       "/chat",
		ReconnectMin:    Duration{time.Second},
		ReconnectMax:    Duration{30 * time.Second},
		PageSize:        50,
		MutationTimeout: Duration{15 * time.Second},
	}
}

// Validate reports the first missing required field.
func (p *Profile) Validate() error {
	switch {
	case p.ServerURL == "":
		return fmt.Errorf("profile: server_url is required")
	case p.SocketURL == "":
		return fmt.Errorf("profile: socket_url is required")
	case p.UserID == "":
		return fmt.Errorf("profile: user_id is required")
	case p.ReconnectMax.Duration < p.ReconnectMin.Duration:
		return fmt.Errorf("profile: reconnect_max %s is below reconnect_min %s", p.ReconnectMax, p.ReconnectMin)
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads a profile on top of DefaultProfile.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes a profile. The token is never written.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

// LoadEnv loads envPath into the process environment without overriding
// variables already set, then returns the token. A missing file is not an
// error.
func LoadEnv(envPath string) (string, error) {
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("load %s: %w", envPath, err)
	}
	return os.Getenv(TokenEnv), nil
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
