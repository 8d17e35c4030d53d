// config.go: settings struct and functions to load and save the GarbageWatch-Go configuration.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings contains application-wide settings.
type MainSettings struct {
	Name     string // name of this node, used in logs and outbound publishes
	LogLevel string // trace, debug, info, warn, error
}

// BackendSettings describes the municipal backend the agent talks to.
type BackendSettings struct {
	BaseURL     string        // REST base URL, e.g. http://localhost:5000
	RealtimeURL string        // websocket endpoint for the realtime channel
	Timeout     time.Duration // per-request timeout for REST calls
	Email       string        // account used to establish the session
	Password    string
}

// LocationSettings controls how the agent resolves its own coordinates.
type LocationSettings struct {
	Provider  string  // "fixed" or "ip"
	Latitude  float64 // used by the fixed provider
	Longitude float64
	LookupURL string // IP geolocation endpoint for the "ip" provider
}

// GeocodeSettings controls reverse geocoding of detection coordinates.
type GeocodeSettings struct {
	Enabled     bool
	BaseURL     string        // Nominatim-compatible base URL
	CacheTTL    time.Duration // how long resolved names are cached
	RateLimitMS int           // minimum milliseconds between requests
}

// UploadSettings controls local image handling before classification.
type UploadSettings struct {
	PreviewDir string // directory for preview copies of selected images
}

// AlertSettings controls push notifications for confirmed detections.
type AlertSettings struct {
	Enabled       bool
	URLs          []string // shoutrrr service URLs
	MinConfidence float64  // suppress alerts below this confidence
}

// DashboardSettings configures the embedded dashboard API server.
type DashboardSettings struct {
	Host    string
	Port    string
	Metrics bool // expose prometheus metrics endpoint
}

// CacheSettings configures the local detection snapshot cache.
type CacheSettings struct {
	Dir string // directory holding the snapshot file; empty uses the config dir
}

// Settings is the root configuration struct.
type Settings struct {
	Debug bool // true to enable debug logging

	Main      MainSettings
	Backend   BackendSettings
	Location  LocationSettings
	Geocode   GeocodeSettings
	Upload    UploadSettings
	Alert     AlertSettings
	Dashboard DashboardSettings
	Cache     CacheSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance and stores it as the current settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create one with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the config file search paths: the user config
// directory first, then the current working directory.
func GetDefaultConfigPaths() ([]string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("error resolving user config directory: %w", err)
	}
	return []string{
		filepath.Join(configDir, "garbagewatch-go"),
		".",
	}, nil
}

// createDefaultConfig writes the embedded default config to the first config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	logging.Info("created default config file", "path", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		logging.Fatal("embedded default config unreadable", "error", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// FindConfigFile returns the path of the first config.yaml found in the
// default config paths.
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	for _, path := range configPaths {
		candidate := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config file not found in %v", configPaths)
}

// SaveSettings saves the current settings to the configuration file.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	settingsCopy := *settingsInstance

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	logging.Info("settings saved", "path", configPath)
	return nil
}

// SaveYAMLConfig overwrites the YAML configuration file with new settings.
// The write goes through a temporary file in the same directory so the
// replacement is atomic.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary config file: %w", err)
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}

	if err := os.Rename(tempName, configPath); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}

// SnapshotPath returns the full path of the local detection snapshot file.
// The directory is created when missing.
func (s *Settings) SnapshotPath() (string, error) {
	dir := s.Cache.Dir
	if dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("error resolving user config directory: %w", err)
		}
		dir = filepath.Join(configDir, "garbagewatch-go")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating cache directory: %w", err)
	}
	return filepath.Join(dir, SnapshotFileName), nil
}
