// Package setup scaffolds the spackq configuration file.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/templates"
)

// Run writes a config file at path, filled from the embedded template, and
// creates the state directory the default database points at. It refuses to
// overwrite an existing file. The written path is returned.
func Run(path string) (string, error) {
	if path == "" {
		path = model.DefaultConfigPath()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}

	if _, err := os.Stat(abs); err == nil {
		return "", fmt.Errorf("%s already exists", abs)
	}

	cfg, err := scaffoldConfig()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if cfg.Database.Type == model.DatabaseTypeJSON && cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return "", fmt.Errorf("create state directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", abs, err)
	}
	return abs, nil
}

// scaffoldConfig overlays the embedded template onto the built-in defaults.
// The template leaves database.path unset so the home-derived default
// survives.
func scaffoldConfig() (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	return cfg, nil
}
