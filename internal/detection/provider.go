// ============================================================================
// proctor-guard Detection Provider Boundary
// ============================================================================
//
// Package: internal/detection
// File: provider.go
// Purpose: The capability-indexed surface a worker queries for platform
//          signals. A provider either implements a capability or it does
//          not; absence (or a panic/error on first use) puts the worker
//          into fallback mode for the rest of its run.
//
// Capability binding happens once, when the worker connects:
//
//   Handle.Get() ──► Provider ──► Bind(required) ──► Bound
//        (at most once)                  │
//                                        └─ missing ⇒ ErrCapabilityUnavailable
//
// ============================================================================

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCapabilityUnavailable means the provider does not implement a
	// capability a worker requires.
	ErrCapabilityUnavailable = errors.New("detection: capability unavailable")
	// ErrNoProvider means the provider library could not be loaded.
	ErrNoProvider = errors.New("detection: provider not available")
)

// Capability names one query the provider may implement.
type Capability string

const (
	CapProcessSnapshot      Capability = "process.snapshot"
	CapVMDetect             Capability = "vm.detect"
	CapClipboardSnapshot    Capability = "clipboard.snapshot"
	CapScreenSessions       Capability = "screen.sessions"
	CapDeviceList           Capability = "device.list"
	CapDeviceWatch          Capability = "device.watch"
	CapNotificationSettings Capability = "notification.settings"
	CapFocusState           Capability = "focus.state"
)

// QueryFunc is a blocking provider query.
type QueryFunc func(ctx context.Context) (map[string]any, error)

// Provider exposes the capabilities it implements.
type Provider interface {
	Lookup(cap Capability) (QueryFunc, bool)
}

// Closer is implemented by providers that hold watchers which must be
// released when the worker stops.
type Closer interface {
	Close() error
}

// Bound is the resolved set of queries for one worker.
type Bound struct {
	funcs    map[Capability]QueryFunc
	provider Provider
}

// Bind resolves every required capability. It fails on the first one the
// provider does not implement.
func Bind(p Provider, required []Capability) (*Bound, error) {
	if p == nil {
		return nil, ErrNoProvider
	}
	b := &Bound{funcs: make(map[Capability]QueryFunc, len(required)), provider: p}
	for _, c := range required {
		fn, ok := p.Lookup(c)
		if !ok || fn == nil {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, c)
		}
		b.funcs[c] = fn
	}
	return b, nil
}

// Query calls a bound capability. A panic inside the provider is turned
// into an error.
func (b *Bound) Query(ctx context.Context, c Capability) (result map[string]any, err error) {
	fn, ok := b.funcs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s not bound", ErrCapabilityUnavailable, c)
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("detection: %s panicked: %v", c, r)
		}
	}()
	return fn(ctx)
}

// Close releases provider watchers. Safe to call more than once.
func (b *Bound) Close() error {
	if b == nil {
		return nil
	}
	if closer, ok := b.provider.(Closer); ok {
		return closer.Close()
	}
	return nil
}

// Loader constructs a provider. It may be slow.
type Loader func(ctx context.Context) (Provider, error)

// Handle loads a provider lazily, at most once per process.
type Handle struct {
	load func() (Provider, error)
	ctx  context.Context
	mu   sync.Mutex
}

// NewHandle wraps loader with a single-initialisation guarantee.
func NewHandle(loader Loader) *Handle {
	h := &Handle{ctx: context.Background()}
	h.load = sync.OnceValues(func() (Provider, error) {
		h.mu.Lock()
		ctx := h.ctx
		h.mu.Unlock()
		p, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoProvider, err)
		}
		if p == nil {
			return nil, ErrNoProvider
		}
		return p, nil
	})
	return h
}

// Get returns the provider, loading it on first call. ctx is only used by
// the first caller.
func (h *Handle) Get(ctx context.Context) (Provider, error) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	return h.load()
}

// Static is a Provider backed by a fixed map. Useful for tests and for
// composing providers.
type Static map[Capability]QueryFunc

// Lookup implements Provider.
func (s Static) Lookup(c Capability) (QueryFunc, bool) {
	fn, ok := s[c]
	return fn, ok
}
