// Package logging holds the process-wide slog root. Package loggers are
// captured at init time, long before the CLI has read its configuration,
// so they point at a handler that can be replaced later.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	level = new(slog.LevelVar)
	root  = &switchHandler{}
)

func init() {
	SetHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Logger returns a logger that follows every later Setup or SetHandler.
func Logger() *slog.Logger {
	return slog.New(root)
}

// Level is the shared minimum level used by Setup's handlers.
func Level() *slog.LevelVar {
	return level
}

// Setup installs a text or JSON handler writing to w.
func Setup(w io.Writer, lvl slog.Level, format string) {
	level.Set(lvl)
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		SetHandler(slog.NewJSONHandler(w, opts))
		return
	}
	SetHandler(slog.NewTextHandler(w, opts))
}

// SetHandler replaces the root handler and makes it the slog default.
func SetHandler(h slog.Handler) {
	root.current.Store(&h)
	slog.SetDefault(slog.New(root))
}

// ----------------------------------------------------------------------------
// switchHandler
// ----------------------------------------------------------------------------

type switchHandler struct {
	current atomic.Pointer[slog.Handler]
}

// source yields the current handler along with the root pointer it was
// derived from; the pointer changes on every SetHandler.
type source interface {
	load() (*slog.Handler, slog.Handler)
}

func (s *switchHandler) load() (*slog.Handler, slog.Handler) {
	p := s.current.Load()
	return p, *p
}

func (s *switchHandler) Enabled(ctx context.Context, l slog.Level) bool {
	_, h := s.load()
	return h.Enabled(ctx, l)
}

func (s *switchHandler) Handle(ctx context.Context, r slog.Record) error {
	_, h := s.load()
	return h.Handle(ctx, r)
}

func (s *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newDerived(s, func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (s *switchHandler) WithGroup(name string) slog.Handler {
	return newDerived(s, func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// derived replays With* calls on whatever handler is current. The result
// is cached until the root handler is replaced.
type derived struct {
	parent source
	apply  func(slog.Handler) slog.Handler
	cache  atomic.Pointer[derivedCache]
}

type derivedCache struct {
	root *slog.Handler
	h    slog.Handler
}

func newDerived(parent source, apply func(slog.Handler) slog.Handler) *derived {
	return &derived{parent: parent, apply: apply}
}

func (d *derived) load() (*slog.Handler, slog.Handler) {
	root, base := d.parent.load()
	if c := d.cache.Load(); c != nil && c.root == root {
		return root, c.h
	}
	h := d.apply(base)
	d.cache.Store(&derivedCache{root: root, h: h})
	return root, h
}

func (d *derived) Enabled(ctx context.Context, l slog.Level) bool {
	_, h := d.load()
	return h.Enabled(ctx, l)
}

func (d *derived) Handle(ctx context.Context, r slog.Record) error {
	_, h := d.load()
	return h.Handle(ctx, r)
}

func (d *derived) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newDerived(d, func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d *derived) WithGroup(name string) slog.Handler {
	return newDerived(d, func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}
