// Package obslog is the structured logging layer (SPEC_FULL.md §7): a
// Logger from New carries integration_type and integration_id on every
// line, and WithFeature/WithEventID add feature and event_id, so output is
// correlatable back to the portal writes it caused (spec.md §3's
// user-agent-label invariant). Neither feature nor event_id is attached
// automatically.
//
// Grounded on rcourtman-Pulse's rs/zerolog usage (cmd/pulse-sensor-proxy,
// cmd/pulse-agent): a per-call zerolog.Logger value threaded through
// function signatures rather than a package-level global, console output
// via zerolog.ConsoleWriter, and zerolog.Level parsed from a config
// string. The teacher repo itself has no logging library (plain
// fmt.Println / pkg/cprint for CLI output), so this package is enrichment
// from the rest of the pack per the ambient-stack requirement.
package obslog

import (
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger carrying this module's standard fields.
// The zero value is usable (writes to a disabled logger); construct with
// New for real output.
type Logger struct {
	zl zerolog.Logger
}

// New constructs a Logger writing to out at level, with integrationType
// and integrationID attached to every line it or its children emit.
func New(out io.Writer, level zerolog.Level, integrationType, integrationID string) Logger {
	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("integration_type", integrationType).
		Str("integration_id", integrationID).
		Logger()
	return Logger{zl: zl}
}

// ParseLevel parses level (case-insensitive), falling back to InfoLevel
// for an empty or unrecognized string rather than erroring, since a
// logging misconfiguration should never block startup.
func ParseLevel(level string) zerolog.Level {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithFeature returns a Logger that tags every line with feature (e.g.
// "resync", "liveevent", "action").
func (l Logger) WithFeature(feature string) Logger {
	return Logger{zl: l.zl.With().Str("feature", feature).Logger()}
}

// WithEventID returns a Logger that tags every line with eventID.
func (l Logger) WithEventID(eventID string) Logger {
	return Logger{zl: l.zl.With().Str("event_id", eventID).Logger()}
}

// FromContext returns the Logger that WithContext attached to ctx under
// attrKey, falling back to fallback otherwise. Kept as a
// free function (not a method added to eventctx, which knows nothing
// about this package) so pkg/eventctx stays a leaf.
func FromContext(ctx context.Context, attrKey string, fallback Logger) Logger {
	if v := ctx.Value(contextKey(attrKey)); v != nil {
		if l, ok := v.(Logger); ok {
			return l
		}
	}
	return fallback
}

type contextKey string

// WithContext attaches l to ctx under attrKey, retrievable with
// FromContext.
func WithContext(ctx context.Context, attrKey string, l Logger) context.Context {
	return context.WithValue(ctx, contextKey(attrKey), l)
}

func (l Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l Logger) Error() *zerolog.Event { return l.zl.Error() }

// Zerolog exposes the underlying zerolog.Logger for callers (e.g.
// pkg/portal's retryablehttp.Logger adapter) that need zerolog's own
// interface rather than this package's thin wrapper.
func (l Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}
