package policy

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// settingsFile is the YAML shape of a policy settings file:
//
//	restricted:
//	  active: true
//	  tables: [users, orders]
//	  entities: [User]
//	  expiration_mode: Sliding
//	  timeout: 00:05:00
//	cache_all:
//	  active: true
//	  expiration_mode: Absolute
//	  timeout: 30m
type settingsFile struct {
	Restricted struct {
		Active         bool     `yaml:"active"`
		Tables         []string `yaml:"tables"`
		Entities       []string `yaml:"entities"`
		ExpirationMode string   `yaml:"expiration_mode"`
		Timeout        string   `yaml:"timeout"`
	} `yaml:"restricted"`
	CacheAll struct {
		Active         bool   `yaml:"active"`
		ExpirationMode string `yaml:"expiration_mode"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"cache_all"`
}

// LoadSettings loads policy settings from a YAML file. Timeouts accept both
// Go duration syntax and clock syntax, same as the inline directive.
func LoadSettings(path string, logger *zap.Logger) (*Settings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("loading policy settings", zap.String("path", path))

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var sf settingsFile
	if err := yaml.NewDecoder(file).Decode(&sf); err != nil {
		return nil, fmt.Errorf("failed to decode YAML settings: %w", err)
	}

	var settings Settings

	settings.Restricted.IsActive = sf.Restricted.Active
	settings.Restricted.TableNames = sf.Restricted.Tables
	settings.Restricted.EntityTypes = sf.Restricted.Entities
	if sf.Restricted.Active {
		mode, timeout, err := parseConfigExpiration(sf.Restricted.ExpirationMode, sf.Restricted.Timeout)
		if err != nil {
			return nil, fmt.Errorf("restricted: %w", err)
		}
		settings.Restricted.ExpirationMode = mode
		settings.Restricted.Timeout = timeout
	}

	settings.CacheAll.IsActive = sf.CacheAll.Active
	if sf.CacheAll.Active {
		mode, timeout, err := parseConfigExpiration(sf.CacheAll.ExpirationMode, sf.CacheAll.Timeout)
		if err != nil {
			return nil, fmt.Errorf("cache_all: %w", err)
		}
		settings.CacheAll.ExpirationMode = mode
		settings.CacheAll.Timeout = timeout
	}

	return &settings, nil
}

func parseConfigExpiration(modeName, timeout string) (ExpirationMode, time.Duration, error) {
	mode, ok := ParseExpirationMode(modeName)
	if !ok {
		return 0, 0, fmt.Errorf("unknown expiration mode %q", modeName)
	}
	d, ok := ParseTimeout(timeout)
	if !ok {
		return 0, 0, fmt.Errorf("invalid timeout %q", timeout)
	}
	return mode, d, nil
}
