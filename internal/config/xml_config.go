// Package config provides XML-based configuration for the sync agent.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"LayerSync"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Remote backend endpoints and credentials
	Backend BackendConfig `xml:"Backend"`

	// Synchronization tuning
	Sync SyncConfig `xml:"Sync"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// BackendConfig points at the remote data API, change feed and auth server
type BackendConfig struct {
	PostgrestURL string `xml:"PostgrestURL"`
	RealtimeURL  string `xml:"RealtimeURL"`
	AuthURL      string `xml:"AuthURL"`
	AnonKey      string `xml:"AnonKey"`
	Email        string `xml:"Email"`
	Password     string `xml:"Password"`
}

// SyncConfig contains engine and worker settings
type SyncConfig struct {
	CoalesceWindowMs          int    `xml:"CoalesceWindowMs"`
	PollIntervalMs            int    `xml:"PollIntervalMs"`
	StopTimeoutSeconds        int    `xml:"StopTimeoutSeconds"`
	RequestTimeoutSeconds     int    `xml:"RequestTimeoutSeconds"`
	BulkRequestTimeoutSeconds int    `xml:"BulkRequestTimeoutSeconds"`
	AsyncCommit               bool   `xml:"AsyncCommit"`
	StrictErrors              bool   `xml:"StrictErrors"`
	FollowPresence            bool   `xml:"FollowPresence"`
	FeatureTable              string `xml:"FeatureTable"`
	AutoStartRealtime         bool   `xml:"AutoStartRealtime"`
}

// StorageConfig contains local feature store settings
type StorageConfig struct {
	DataDirectory     string `xml:"DataDirectory"`
	DatabaseFile      string `xml:"DatabaseFile"`
	EnablePersistence bool   `xml:"EnablePersistence"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowLayerDrop bool   `xml:"AllowLayerDrop"`
	RequireAuth    bool   `xml:"RequireAuthentication"`
	AuthToken      string `xml:"AuthToken"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogVerbosity            int    `xml:"LogVerbosity"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "127.0.0.1",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "64M",
		},
		Backend: BackendConfig{
			PostgrestURL: "http://localhost:8000/rest/v1",
			RealtimeURL:  "ws://localhost:8000/realtime/v1",
			AuthURL:      "http://localhost:8000/auth/v1/token",
		},
		Sync: SyncConfig{
			CoalesceWindowMs:          250,
			PollIntervalMs:            50,
			StopTimeoutSeconds:        5,
			RequestTimeoutSeconds:     5,
			BulkRequestTimeoutSeconds: 30,
			AsyncCommit:               false,
			StrictErrors:              false,
			FollowPresence:            false,
			FeatureTable:              "points",
			AutoStartRealtime:         true,
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			DatabaseFile:      "layers.duckdb",
			EnablePersistence: true,
		},
		Security: SecurityConfig{
			AllowLayerDrop: false,
			RequireAuth:    false,
			AuthToken:      "",
		},
		Advanced: AdvancedConfig{
			LogVerbosity:            0,
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "512MB",
			WebSocketMaxMessageSize: 1024,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- LayerSync Agent Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	// Credentials are usually kept out of the file
	if email := os.Getenv("LAYERSYNC_EMAIL"); email != "" {
		c.Backend.Email = email
	}
	if password := os.Getenv("LAYERSYNC_PASSWORD"); password != "" {
		c.Backend.Password = password
	}
	if key := os.Getenv("LAYERSYNC_ANON_KEY"); key != "" {
		c.Backend.AnonKey = key
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetDatabasePath returns the DuckDB file path, or "" for an in-memory store
func (c *AppConfig) GetDatabasePath() string {
	if !c.Storage.EnablePersistence {
		return ""
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.DatabaseFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// CoalesceWindow returns the change-feed coalescing window
func (c *AppConfig) CoalesceWindow() time.Duration {
	return time.Duration(c.Sync.CoalesceWindowMs) * time.Millisecond
}

// PollInterval returns the worker poll interval
func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMs) * time.Millisecond
}

// StopTimeout returns how long Stop waits for the worker
func (c *AppConfig) StopTimeout() time.Duration {
	return time.Duration(c.Sync.StopTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-call timeout for single-row requests
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeoutSeconds) * time.Second
}

// BulkRequestTimeout returns the timeout for listing and bulk inserts
func (c *AppConfig) BulkRequestTimeout() time.Duration {
	return time.Duration(c.Sync.BulkRequestTimeoutSeconds) * time.Second
}

// Validate checks that the backend is reachable in principle
func (c *AppConfig) Validate() error {
	if c.Backend.PostgrestURL == "" {
		return fmt.Errorf("Backend.PostgrestURL is required")
	}
	if c.Backend.AuthURL == "" {
		return fmt.Errorf("Backend.AuthURL is required")
	}
	if c.Sync.CoalesceWindowMs < 0 || c.Sync.PollIntervalMs <= 0 {
		return fmt.Errorf("invalid Sync timings")
	}
	return nil
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
