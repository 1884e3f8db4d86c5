package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DataDir:      "/tmp/driveback-data",
		ServerURL:    "https://drive.example.com",
		APIToken:     "token",
		RootFolderID: "root-1",
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultControlURL, cfg.ControlURL)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"missing server url", func(c *Config) { c.ServerURL = "" }},
		{"bad server url", func(c *Config) { c.ServerURL = "not a url" }},
		{"missing root folder", func(c *Config) { c.RootFolderID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := validConfig()
	cfg.ListIntervalSec = 60
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.ServerURL, loaded.ServerURL)
	assert.Equal(t, cfg.RootFolderID, loaded.RootFolderID)
	assert.Equal(t, path, loaded.Path)
	assert.Equal(t, 60, loaded.ListIntervalSec)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "driveback.db"), loaded.DatabasePath())
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
