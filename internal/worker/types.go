package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/detection"
)

var (
	// ErrUnknownConcern is returned when no concern is registered for a key.
	ErrUnknownConcern = errors.New("worker: unknown concern")
	// ErrNoStrategy is returned for a concern with neither a native nor a
	// fallback strategy.
	ErrNoStrategy = errors.New("worker: concern has no detection strategy")
)

// Payload is the opaque structured result of one detection pass.
type Payload = map[string]any

// Querier is the bound provider surface a native strategy calls into.
type Querier interface {
	Query(ctx context.Context, c detection.Capability) (map[string]any, error)
}

// NativeFunc runs one detection pass against the provider.
type NativeFunc func(ctx context.Context, q Querier, s Settings) (Payload, error)

// FallbackFunc runs one lower-fidelity detection pass without the provider.
type FallbackFunc func(ctx context.Context, s Settings) (Payload, error)

// CommandFunc applies a concern-specific command to the worker settings.
type CommandFunc func(s Settings, args map[string]any) error

// Concern describes one monitoring concern. The runtime is generic; every
// behavioural difference between workers lives here.
type Concern struct {
	Key          string
	PollInterval time.Duration
	Required     []detection.Capability
	Native       NativeFunc
	Fallback     FallbackFunc
	Commands     map[string]CommandFunc
	Defaults     Settings
}

func (c Concern) validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", ErrUnknownConcern)
	}
	if c.Native == nil && c.Fallback == nil {
		return fmt.Errorf("%w: %s", ErrNoStrategy, c.Key)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("worker: %s: poll interval must be positive", c.Key)
	}
	return nil
}

// Settings are the mutable, concern-specific knobs (blacklist, privacy
// mode, idle threshold). The runtime hands strategies a copy.
type Settings map[string]any

func (s Settings) clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns a string setting or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Bool returns a bool setting or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Int returns an integer setting or def. Accepts the numeric types CBOR,
// JSON and YAML decoding produce.
func (s Settings) Int(key string, def int) int {
	if n, ok := toInt(s[key]); ok {
		return n
	}
	return def
}

// Strings returns a string-list setting.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
