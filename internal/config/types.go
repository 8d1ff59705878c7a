package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// redacted replaces secret values wherever they are printed or encoded.
const redacted = "[REDACTED]"

// Duration is a non-negative time.Duration decoded from text such as "15s".
// Telemetry and log sampling settings use it so they encode back to the same
// form in JSON.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Duration().String() }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Secret holds a credential such as an agent API key. Every printed or
// encoded form is masked; only Value exposes the raw string.
type Secret string

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string { return s.masked() }

func (s Secret) GoString() string { return "Secret(" + redacted + ")" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.masked()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }

// UnmarshalText stores the raw value. Env vars and YAML reach it through koanf.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// UnmarshalJSON rejects the redaction marker so an encoded config cannot be
// loaded back with a placeholder credential.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == redacted {
		return fmt.Errorf("secret value is redacted")
	}
	*s = Secret(raw)
	return nil
}
