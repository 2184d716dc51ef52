package config

import (
	"encoding/json"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret is a configuration value that must not appear in logs or dumps.
// Use Reveal to read it.
type Secret string

// Reveal returns the secret value.
func (s Secret) Reveal() string { return string(s) }

// Empty reports whether the secret is unset.
func (s Secret) Empty() bool { return s == "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString covers %#v.
func (s Secret) GoString() string { return s.String() }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// MarshalYAML keeps secrets out of re-encoded config files.
func (s Secret) MarshalYAML() (interface{}, error) { return s.String(), nil }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }
