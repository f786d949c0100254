// Package logging wires structured logging through the datastore engines
// without a global logger.
//
//   - Every component takes a *slog.Logger at construction and scopes it
//     with a "component" attribute; nothing reaches for slog.Default.
//   - A nil logger is replaced with one that discards everything, so
//     chunkstore.Open(Config{}) and friends work without a caller having
//     to construct a logger just to satisfy the signature.
//   - Log points sit at session/backup/GC/prune lifecycle boundaries
//     (opened, sealed, removed, failed); inside chunk- or record-level
//     loops the only log points are warnings for a chunk that fails
//     (GC sweep, verify).
//
// Output format, level, and destination are main()'s problem; this
// package only supplies the discard fallback and the per-component
// level filter vaultctl uses to let an operator turn up one noisy
// component (say, gc) without drowning in chunkstore debug output.
//
// ComponentFilterHandler additionally never lets an operator's
// per-component floor hide a vaulterr.Corrupt or vaulterr.Fatal record:
// on-disk corruption and invariant violations must never pass silently,
// so records carrying an "err_kind" attribute of "corrupt" or "fatal"
// always reach the wrapped handler regardless of the component's
// configured level.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"

	"chunkvault/internal/vaulterr"
)

// alwaysEscalated is the set of vaulterr.Kind strings that bypass a
// component's configured floor entirely: these represent on-disk
// corruption or an unrecoverable invariant violation, neither of which
// an operator should ever lose by turning a noisy component down.
var alwaysEscalated = map[string]struct{}{
	vaulterr.Corrupt.String(): {},
	vaulterr.Fatal.String():   {},
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything written to it.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger unchanged if non-nil, otherwise a discard
// logger. Components take an optional *slog.Logger and call this once
// at construction:
//
//	logger = logging.Default(logger).With("component", "chunkstore")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps a slog.Handler and applies a per-component
// minimum level, read from each record's "component" attribute. A
// component with no explicit level falls back to defaultLevel.
//
// SetLevel/ClearLevel use copy-on-write over an atomic map pointer, so
// Handle never takes a lock on its hot path and a running vaultctl
// instance can raise one component's verbosity without restarting.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes bound via WithAttrs before any record is
	// handled (e.g. the "component" key set by logger.With(...)); Handle
	// checks these first since a record's own Attrs won't repeat them.
	preAttrs []slog.Attr

	levels *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler wraps next, filtering every record handled
// through it by the minimum level configured for its "component"
// attribute, falling back to defaultLevel when none is set.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	levels := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	levels.Store(&empty)

	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       levels,
	}
}

// Enabled always reports true: the component attribute isn't available
// until Handle sees the full record, so filtering happens there instead.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component, errKind := h.attrsOf(r)

	_, escalated := alwaysEscalated[errKind]
	if !escalated {
		levels := *h.levels.Load()
		floor := h.defaultLevel
		if component != "" {
			if lvl, ok := levels[component]; ok {
				floor = lvl
			}
		}
		if r.Level < floor {
			return nil
		}
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// attrsOf extracts the "component" and "err_kind" attribute values
// handlers need to decide a record's fate, checking preAttrs (bound via
// WithAttrs before this record) first since those never repeat on the
// record itself.
func (h *ComponentFilterHandler) attrsOf(r slog.Record) (component, errKind string) {
	for _, attr := range h.preAttrs {
		switch attr.Key {
		case "component":
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				component = s
			}
		case "err_kind":
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				errKind = s
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
			}
		case "err_kind":
			if s, ok := a.Value.Resolve().Any().(string); ok {
				errKind = s
			}
		}
		return true
	})
	return component, errKind
}

// WithAttrs returns a derived handler carrying attrs; a "component" key
// among them is remembered for Handle's level lookup.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)

	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     pre,
		levels:       h.levels, // shared: level changes must reach every derived logger
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level for component, effective immediately
// for every logger derived from this handler.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	old := *h.levels.Load()
	updated := make(map[string]slog.Level, len(old)+1)
	maps.Copy(updated, old)
	updated[component] = level
	h.levels.Store(&updated)
}

// ClearLevel removes component's override, reverting it to defaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	old := *h.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	updated := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			updated[k] = v
		}
	}
	h.levels.Store(&updated)
}

// Level returns component's configured minimum level, or defaultLevel
// if none has been set.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	levels := *h.levels.Load()
	if level, ok := levels[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to components with no override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
