package schema

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Secret holds a credential that must never be printed in full
// (proxy passwords, upgrade credentials)
type Secret string

// String masks the value for logs and dumps
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	if user, _, ok := strings.Cut(string(s), ":"); ok && user != "" {
		return user + ":****"
	}
	return "****"
}

// Value returns the raw credential
func (s Secret) Value() string {
	return string(s)
}

// UserPassword splits a "user:password" credential
func (s Secret) UserPassword() (user, password string, ok bool) {
	return strings.Cut(string(s), ":")
}

// MarshalJSON writes the masked form
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML writes the masked form
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	*s = Secret(node.Value)
	return nil
}
