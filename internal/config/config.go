// Package config holds the client configuration, persisted as JSON under the
// user's config directory.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/driveback/driveback/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".driveback", "config.json")
	DefaultLogPath    = filepath.Join(home, ".driveback", "logs", "driveback.log")
	DefaultDataDir    = filepath.Join(home, "DriveBack")
	DefaultControlURL = "http://localhost:7438"
)

type Config struct {
	// DataDir is the local sync root; each top-level directory under it is
	// one origin.
	DataDir string `json:"data_dir"`
	// ServerURL points at the remote file store API.
	ServerURL string `json:"server_url"`
	// APIToken authenticates against the remote store.
	APIToken string `json:"api_token"`
	// RootFolderID is the remote folder under which origin roots live.
	RootFolderID string `json:"root_folder_id"`
	// ControlURL is the local control plane listen address.
	ControlURL string `json:"control_url"`

	// ListIntervalSec is the remote change listing cadence in seconds.
	ListIntervalSec int `json:"list_interval_sec,omitempty"`
	// ConflictIntervalSec is the idle conflict pass cadence in seconds.
	ConflictIntervalSec int `json:"conflict_interval_sec,omitempty"`

	Path string `json:"-"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q is not a valid url", c.ServerURL)
	}
	if c.RootFolderID == "" {
		return fmt.Errorf("root_folder_id is required")
	}
	if c.ControlURL == "" {
		c.ControlURL = DefaultControlURL
	}
	return nil
}

// ListInterval returns the configured listing cadence, or zero for default.
func (c *Config) ListInterval() time.Duration {
	return time.Duration(c.ListIntervalSec) * time.Second
}

// ConflictInterval returns the configured conflict cadence, or zero for
// default.
func (c *Config) ConflictInterval() time.Duration {
	return time.Duration(c.ConflictIntervalSec) * time.Second
}

// DatabasePath is the metadata store location, next to the config file.
func (c *Config) DatabasePath() string {
	dir := filepath.Dir(c.Path)
	if c.Path == "" {
		dir = filepath.Dir(DefaultConfigPath)
	}
	return filepath.Join(dir, "driveback.db")
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse %q: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}
