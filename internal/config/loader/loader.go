// Package loader provides multi-source configuration loading
package loader

import (
	"sort"

	"github.com/spf13/pflag"

	"wstunnel-go/internal/config/schema"
	"wstunnel-go/internal/config/source"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
)

// EnvPrefix prefixes every configuration environment variable
const EnvPrefix = "WSTUNNEL"

// Loader loads configuration from multiple sources in priority order
type Loader struct {
	sources []source.Source
}

// NewLoader creates a new Loader
func NewLoader() *Loader {
	return &Loader{}
}

// AddSource adds a configuration source
func (l *Loader) AddSource(s source.Source) {
	l.sources = append(l.sources, s)
}

// Load applies all sources from the lowest to the highest priority
func (l *Loader) Load() (*schema.Root, error) {
	if len(l.sources) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "no configuration sources registered")
	}

	sorted := make([]source.Source, len(l.sources))
	copy(sorted, l.sources)
	sort.Stable(source.ByPriority(sorted))

	cfg := &schema.Root{}
	for _, s := range sorted {
		corelog.Debugf("Loading configuration from source: %s (priority %d)", s.Name(), s.Priority())
		if err := s.LoadInto(cfg); err != nil {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError,
				"failed to load configuration from source %s", s.Name())
		}
	}
	return cfg, nil
}

// LoaderBuilder helps build a Loader with the standard sources
type LoaderBuilder struct {
	prefix     string
	configFile string
	flags      *pflag.FlagSet
	bindings   map[string]string
}

// NewLoaderBuilder creates a new LoaderBuilder
func NewLoaderBuilder() *LoaderBuilder {
	return &LoaderBuilder{prefix: EnvPrefix}
}

// WithPrefix sets the environment variable prefix
func (b *LoaderBuilder) WithPrefix(prefix string) *LoaderBuilder {
	b.prefix = prefix
	return b
}

// WithConfigFile sets the configuration file path; an explicit file must exist
func (b *LoaderBuilder) WithConfigFile(path string) *LoaderBuilder {
	b.configFile = path
	return b
}

// WithFlags adds the command line as the highest-priority source
func (b *LoaderBuilder) WithFlags(flags *pflag.FlagSet, bindings map[string]string) *LoaderBuilder {
	b.flags = flags
	b.bindings = bindings
	return b
}

// Build creates the configured Loader
func (b *LoaderBuilder) Build() *Loader {
	l := NewLoader()
	l.AddSource(source.NewDefaultSource())

	if configFile := source.FindConfigFile(b.configFile); configFile != "" {
		l.AddSource(source.NewYAMLSource(configFile))
		corelog.Debugf("Using config file: %s", configFile)
	}

	l.AddSource(source.NewEnvSource(b.prefix))

	if b.flags != nil {
		l.AddSource(source.NewFlagSource(b.flags, b.bindings))
	}
	return l
}

// Load is a convenience function loading defaults, file and environment
func Load(configFile string) (*schema.Root, error) {
	return NewLoaderBuilder().WithConfigFile(configFile).Build().Load()
}
