package source

import (
	"os"
	"strings"

	"wstunnel-go/internal/config/schema"
)

// EnvSource loads configuration from environment variables
//
// A key maps to PREFIX_ + upper-case path with "__" between levels:
// client.remote_addr -> WSTUNNEL_CLIENT__REMOTE_ADDR. List values are
// comma separated.
type EnvSource struct {
	prefix string
}

// NewEnvSource creates a new EnvSource with the specified prefix
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix}
}

// Name returns the source name
func (s *EnvSource) Name() string {
	return "env"
}

// Priority returns the source priority
func (s *EnvSource) Priority() int {
	return PriorityEnv
}

// EnvName returns the variable name for a key
func (s *EnvSource) EnvName(path string) string {
	return s.prefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "__"))
}

// LoadInto loads environment variables into the config structure
func (s *EnvSource) LoadInto(cfg *schema.Root) error {
	for _, path := range Fields() {
		raw, ok := os.LookupEnv(s.EnvName(path))
		if !ok || raw == "" {
			continue
		}
		values := []string{raw}
		if IsList(path) {
			values = splitList(raw)
		}
		if err := SetField(cfg, path, values...); err != nil {
			return err
		}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{raw}
	}
	return out
}
