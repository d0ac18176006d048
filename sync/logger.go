package sync

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is shared by the engine and the archive, scan and discovery
// packages. It discards everything until InitLogger runs.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Log file names under the log directory.
const (
	LogFile      = "diffr.log"       // INFO and above
	WarnLogFile  = "diffr_warn.log"  // WARN and above, kept longer
	DebugLogFile = "diffr_debug.log" // DEBUG only
)

// InitLogger configures the shared logger. Progress goes to stdout and
// problems to stderr; quiet drops the progress lines. A non-empty logDir
// adds rotated log files split by level.
func InitLogger(logDir string, quiet bool) {
	stderr := band(slog.LevelWarn, math.MaxInt, os.Stderr)
	sinks := []slog.Handler{stderr, &recentErrors}
	if !quiet {
		sinks = append(sinks, band(slog.LevelInfo, slog.LevelInfo, os.Stdout))
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0750); err != nil {
			slog.New(stderr).Warn("log directory unavailable", "dir", logDir, "err", err)
		} else {
			sinks = append(sinks,
				band(slog.LevelInfo, math.MaxInt, rotated(logDir, LogFile, 5, 3, false)),
				band(slog.LevelWarn, math.MaxInt, rotated(logDir, WarnLogFile, 50, 5, true)),
				band(slog.LevelDebug, slog.LevelDebug, rotated(logDir, DebugLogFile, 5, 1, false)),
			)
		}
	}

	logger = slog.New(tee(sinks))
}

func rotated(dir, name string, maxMB, backups int, compress bool) io.Writer {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxMB,
		MaxBackups: backups,
		Compress:   compress,
	}
}

// sub returns a logger tagged with a component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// Sub is sub for the archive, scan and discovery packages.
func Sub(component string) *slog.Logger {
	return sub(component)
}

// logEnabled guards expensive debug logging in per-file loops.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// levelBand passes records whose level lies in [lo, hi] to a text handler.
type levelBand struct {
	lo, hi slog.Level
	out    slog.Handler
}

func band(lo, hi slog.Level, w io.Writer) *levelBand {
	return &levelBand{lo: lo, hi: hi, out: slog.NewTextHandler(w, &slog.HandlerOptions{Level: lo})}
}

func (b *levelBand) Enabled(_ context.Context, level slog.Level) bool {
	return level >= b.lo && level <= b.hi
}

func (b *levelBand) Handle(ctx context.Context, r slog.Record) error {
	return b.out.Handle(ctx, r)
}

func (b *levelBand) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelBand{lo: b.lo, hi: b.hi, out: b.out.WithAttrs(attrs)}
}

func (b *levelBand) WithGroup(name string) slog.Handler {
	return &levelBand{lo: b.lo, hi: b.hi, out: b.out.WithGroup(name)}
}

// tee sends each record to every sink that accepts its level. A failing
// sink does not keep the record from the others.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// LogEntry is an error logged during this process, as shown by status.
type LogEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Comp    string    `json:"comp" yaml:"comp"`
	Drive   string    `json:"drive,omitempty" yaml:"drive,omitempty"`
	Message string    `json:"message" yaml:"message"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
}

const recentErrorCap = 5

// errorRing keeps the last few ERROR records.
type errorRing struct {
	mu      gosync.Mutex
	entries []LogEntry // oldest first
}

var recentErrors errorRing

// RecentErrors returns the errors logged by this process, newest first.
func RecentErrors() []LogEntry {
	return recentErrors.snapshot()
}

func (e *errorRing) snapshot() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	for i, entry := range e.entries {
		out[len(out)-1-i] = entry
	}
	return out
}

func (e *errorRing) add(entry LogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.entries) == recentErrorCap {
		e.entries = append(e.entries[:0], e.entries[1:]...)
	}
	e.entries = append(e.entries, entry)
}

func (e *errorRing) reset() {
	e.mu.Lock()
	e.entries = nil
	e.mu.Unlock()
}

func (e *errorRing) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (e *errorRing) Handle(ctx context.Context, r slog.Record) error {
	return errorCapture{ring: e}.Handle(ctx, r)
}

func (e *errorRing) WithAttrs(attrs []slog.Attr) slog.Handler {
	return errorCapture{ring: e}.WithAttrs(attrs)
}

func (e *errorRing) WithGroup(string) slog.Handler { return e }

// errorCapture carries the attrs bound by With so an entry keeps the
// component and drive of the logger that produced it.
type errorCapture struct {
	ring  *errorRing
	bound []slog.Attr
}

func (c errorCapture) Enabled(ctx context.Context, level slog.Level) bool {
	return c.ring.Enabled(ctx, level)
}

func (c errorCapture) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Message: r.Message}
	set := func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "drive":
			entry.Drive = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	}
	for _, a := range c.bound {
		set(a)
	}
	r.Attrs(set)
	c.ring.add(entry)
	return nil
}

func (c errorCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, 0, len(c.bound)+len(attrs))
	return errorCapture{ring: c.ring, bound: append(append(bound, c.bound...), attrs...)}
}

func (c errorCapture) WithGroup(string) slog.Handler { return c }
