// Package source provides configuration sources merged by priority
package source

import (
	"wstunnel-go/internal/config/schema"
)

// Source loads configuration into a Root structure
type Source interface {
	// Name returns the source name for logging and error messages
	Name() string

	// Priority returns the source priority (higher = more important)
	// 1 - Default values (lowest)
	// 2 - YAML file
	// 3 - Environment variables
	// 4 - CLI flags (highest)
	Priority() int

	// LoadInto sets the values this source knows about, leaving the
	// rest as loaded by lower-priority sources
	LoadInto(cfg *schema.Root) error
}

// Source priorities
const (
	PriorityDefaults = 1
	PriorityYAML     = 2
	PriorityEnv      = 3
	PriorityCLI      = 4
)

// ByPriority implements sort.Interface for []Source based on Priority
type ByPriority []Source

func (a ByPriority) Len() int           { return len(a) }
func (a ByPriority) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByPriority) Less(i, j int) bool { return a[i].Priority() < a[j].Priority() }
