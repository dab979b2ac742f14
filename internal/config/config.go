// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/chatloop-ai/chatloop/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/chatloop/)
//  2. Project config (<directory>/.chatloop/)
//  3. CHATLOOP_CONFIG file
//  4. CHATLOOP_CONFIG_CONTENT inline JSON
//  5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, config) == nil {
			loaded[abs] = true
		}
	}

	// 1. Global config
	globalDir := GetPaths().Config
	for _, name := range configNames {
		loadOnce(filepath.Join(globalDir, name))
	}

	// 2. Project config
	if directory != "" {
		projectDir := filepath.Join(directory, ".chatloop")
		for _, name := range configNames {
			loadOnce(filepath.Join(projectDir, name))
		}
	}

	// 3. CHATLOOP_CONFIG file override
	if path := os.Getenv("CHATLOOP_CONFIG"); path != "" {
		loadOnce(path)
	}

	// 4. CHATLOOP_CONFIG_CONTENT inline JSON
	if content := os.Getenv("CHATLOOP_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(config, &inline)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnv(config)

	applyScopeDefaults(config)
	return config, nil
}

// applyScopeDefaults fills empty scope segments so storage keys never
// contain empty path elements.
func applyScopeDefaults(config *types.Config) {
	if config.Scope.Namespace == "" {
		config.Scope.Namespace = "default"
	}
	if config.Scope.Project == "" {
		config.Scope.Project = "default"
	}
	if config.Scope.Service == "" {
		config.Scope.Service = "chat"
	}
}

var configNames = []string{
	"chatloop.json",
	"chatloop.jsonc",
	"chatloop.yaml",
	"chatloop.yml",
}

// loadFile parses one config file. JSON and JSONC files go through the
// comment stripper; YAML files are decoded directly.
func loadFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig types.Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	merge(config, &fileConfig)
	return nil
}

// merge copies set fields of source over target.
func merge(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.BaseURL != "" {
		target.BaseURL = source.BaseURL
	}
	if source.APIKey != "" {
		target.APIKey = source.APIKey
	}
	if source.Streaming != nil {
		target.Streaming = source.Streaming
	}
	if source.TurnTimeoutMS != 0 {
		target.TurnTimeoutMS = source.TurnTimeoutMS
	}
	if source.FallbackDelayMS != 0 {
		target.FallbackDelayMS = source.FallbackDelayMS
	}
	if source.Reconcile.Canonical != "" {
		target.Reconcile.Canonical = source.Reconcile.Canonical
	}
	if source.Scope.Namespace != "" {
		target.Scope.Namespace = source.Scope.Namespace
	}
	if source.Scope.Project != "" {
		target.Scope.Project = source.Scope.Project
	}
	if source.Scope.Service != "" {
		target.Scope.Service = source.Scope.Service
	}
	if source.Logging.Level != "" {
		target.Logging.Level = source.Logging.Level
	}
	if source.Logging.Pretty {
		target.Logging.Pretty = true
	}
}

// applyEnv applies CHATLOOP_* environment overrides.
func applyEnv(config *types.Config) {
	if v := os.Getenv("CHATLOOP_BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if v := os.Getenv("CHATLOOP_API_KEY"); v != "" {
		config.APIKey = v
	}
	if v := os.Getenv("CHATLOOP_STREAMING"); v != "" {
		enabled := !isFalsy(v)
		config.Streaming = &enabled
	}
	if v := os.Getenv("CHATLOOP_CANONICAL"); v != "" {
		config.Reconcile.Canonical = v
	}
	if v := os.Getenv("CHATLOOP_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

func isFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}
