package source

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"wstunnel-go/internal/config/schema"
	coreerrors "wstunnel-go/internal/core/errors"
)

// YAMLSource loads configuration from a YAML (or JSON) file
type YAMLSource struct {
	path string
}

// NewYAMLSource creates a new YAMLSource
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

// Name returns the source name
func (s *YAMLSource) Name() string {
	return "yaml " + s.path
}

// Priority returns the source priority
func (s *YAMLSource) Priority() int {
	return PriorityYAML
}

// LoadInto decodes the file over the existing values; keys absent from
// the file keep their defaults
func (s *YAMLSource) LoadInto(cfg *schema.Root) error {
	path, err := expandPath(s.path)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to expand path %q", s.path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to read config file %q", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to parse config file %q", path)
	}
	return nil
}

// FindConfigFile returns configFile when set, otherwise the first existing
// file among the standard locations, or "" when none exists
func FindConfigFile(configFile string) string {
	if configFile != "" {
		return configFile
	}

	searchPaths := []string{"./wstunnel.yaml", "./wstunnel.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(dir, "wstunnel", "wstunnel.yaml"))
	}
	searchPaths = append(searchPaths, "/etc/wstunnel/wstunnel.yaml")

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// expandPath expands ~ to the user home directory
func expandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return filepath.Clean(path), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, path[1:]), nil
}
