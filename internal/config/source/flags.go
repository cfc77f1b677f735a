package source

import (
	"github.com/spf13/pflag"

	"wstunnel-go/internal/config/schema"
)

// FlagSource applies command line flags that were explicitly set
type FlagSource struct {
	flags *pflag.FlagSet

	// bindings flag name -> configuration key
	bindings map[string]string
}

// NewFlagSource creates a FlagSource; bindings maps flag names to keys
func NewFlagSource(flags *pflag.FlagSet, bindings map[string]string) *FlagSource {
	return &FlagSource{flags: flags, bindings: bindings}
}

// Name returns the source name
func (s *FlagSource) Name() string {
	return "flags"
}

// Priority returns the source priority
func (s *FlagSource) Priority() int {
	return PriorityCLI
}

// LoadInto copies changed flags; untouched flags never override lower sources
func (s *FlagSource) LoadInto(cfg *schema.Root) error {
	for name, path := range s.bindings {
		f := s.flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		values := []string{f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			values = sv.GetSlice()
		}
		if err := SetField(cfg, path, values...); err != nil {
			return err
		}
	}
	return nil
}
