// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides the structured logger shared by the runtime.
//
// The logger is a thin layer over log/slog that fans every record out to
// up to three destinations:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                          Logger                            │
//	│  ┌────────────┐  ┌─────────────┐  ┌─────────────────────┐  │
//	│  │   stderr   │  │  log file   │  │    LogExporter      │  │
//	│  │ (text/json)│  │  (optional) │  │ (attachable later)  │  │
//	│  └────────────┘  └─────────────┘  └─────────────────────┘  │
//	└────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.biit/logs",
//	    Service: "biit",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Exporters
//
// The exporter is a regular slog.Handler in the fan-out, so records logged
// through slog.Default() or any logger derived with With reach it too. It
// can be attached after construction, which the host uses to plug in the
// log relay once the pub/sub coordinator exists:
//
//	logger.SetExporter(relay)
//
// Export is called synchronously on the logging goroutine; implementations
// must hand the entry off without blocking.
//
// Code that must never feed the exporter (the exporter itself, for one)
// logs through LocalOnly.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Levels
// =============================================================================

// Level is a log severity.
type Level int

const (
	// LevelDebug is for troubleshooting output.
	LevelDebug Level = iota

	// LevelInfo is for normal operations.
	LevelInfo

	// LevelWarn is for recoverable problems.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// ParseLevel parses "debug", "info", "warn"/"warning" or "error".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Format selects the console encoding.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = ""

	// FormatText forces slog's key=value text encoding.
	FormatText Format = "text"

	// FormatJSON forces JSON lines.
	FormatJSON Format = "json"
)

// Config configures a Logger.
type Config struct {
	// Level is the minimum level for every destination.
	Level Level

	// LogDir enables a JSON log file {service}_{date}.log in this directory.
	// Supports ~ expansion. Empty disables file logging.
	LogDir string

	// Service is attached to every record as "service".
	Service string

	// Format selects the console encoding. Default: FormatAuto.
	Format Format

	// Quiet disables console output.
	Quiet bool

	// Output replaces os.Stderr for console output.
	Output io.Writer

	// Exporter receives every record at or above Level. May be nil and
	// attached later with SetExporter.
	Exporter LogExporter
}

// =============================================================================
// Exporter Contract
// =============================================================================

// LogExporter receives log entries in addition to the local destinations.
type LogExporter interface {
	// Export hands one entry to the exporter. Must not block.
	Export(ctx context.Context, entry LogEntry) error

	// Flush delivers buffered entries, bounded by ctx.
	Flush(ctx context.Context) error

	// Close releases resources. Entries exported afterwards are dropped.
	Close() error
}

// LogEntry is the exporter's view of one record.
type LogEntry struct {
	// Timestamp is when the record was created.
	Timestamp time.Time

	// Level is the record severity.
	Level Level

	// Message is the log message.
	Message string

	// Service is Config.Service.
	Service string

	// Component is the "component" attribute when present.
	Component string

	// Attrs holds every other attribute. Group members use dotted keys.
	Attrs map[string]any
}

// ComponentKey is the attribute naming the emitting component.
const ComponentKey = "component"

// =============================================================================
// Logger
// =============================================================================

// Logger writes structured logs to console, file and an optional exporter.
type Logger struct {
	slog   *slog.Logger
	local  *slog.Logger
	config Config
	file   *os.File
	slot   *exporterSlot
	mu     *sync.Mutex
}

// New creates a Logger.
//
// # Description
//
// Console output goes to Config.Output (default os.Stderr) unless Quiet.
// A log directory that cannot be created is ignored so that logging never
// prevents startup.
//
// # Outputs
//
//   - *Logger: Call Close to flush the exporter and close the file.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	logger := &Logger{
		config: config,
		slot:   &exporterSlot{},
		mu:     &sync.Mutex{},
	}

	var local []slog.Handler
	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if resolveFormat(config.Format, out) == FormatJSON {
			local = append(local, slog.NewJSONHandler(out, opts))
		} else {
			local = append(local, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		if file, err := openLogFile(config.LogDir, config.Service); err == nil {
			logger.file = file
			local = append(local, slog.NewJSONHandler(file, opts))
		}
	}

	localHandler := combine(local)
	export := &exporterHandler{
		slot:    logger.slot,
		level:   config.Level,
		service: config.Service,
	}
	all := combine(append(append([]slog.Handler{}, local...), export))

	if config.Service != "" {
		attrs := []slog.Attr{slog.String("service", config.Service)}
		localHandler = localHandler.WithAttrs(attrs)
		all = all.WithAttrs(attrs)
	}

	if config.Exporter != nil {
		logger.slot.set(config.Exporter)
	}
	logger.slog = slog.New(all)
	logger.local = slog.New(localHandler)
	return logger
}

// Default returns an info-level console logger for service "biit".
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "biit"})
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that adds args to every record.
// The file, exporter slot and lock are shared with the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		local:  l.local.With(args...),
		config: l.config,
		file:   l.file,
		slot:   l.slot,
		mu:     l.mu,
	}
}

// Slog returns the underlying *slog.Logger (all destinations).
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// LocalOnly returns a *slog.Logger that skips the exporter.
func (l *Logger) LocalOnly() *slog.Logger {
	return l.local
}

// SetExporter attaches (or with nil, detaches) the exporter.
// Returns the previously attached exporter, which is not closed.
func (l *Logger) SetExporter(e LogExporter) LogExporter {
	return l.slot.set(e)
}

// Exporter returns the attached exporter or nil.
func (l *Logger) Exporter() LogExporter {
	return l.slot.get()
}

// Close flushes and closes the exporter, then syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if exp := l.slot.set(nil); exp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exp.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := exp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}

	return errors.Join(errs...)
}

// =============================================================================
// Handlers
// =============================================================================

// exporterSlot holds the current exporter for a Logger and all its children.
type exporterSlot struct {
	v atomic.Pointer[exporterBox]
}

type exporterBox struct {
	exporter LogExporter
}

func (s *exporterSlot) get() LogExporter {
	if b := s.v.Load(); b != nil {
		return b.exporter
	}
	return nil
}

func (s *exporterSlot) set(e LogExporter) LogExporter {
	var next *exporterBox
	if e != nil {
		next = &exporterBox{exporter: e}
	}
	prev := s.v.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.exporter
}

// exporterHandler converts slog records into LogEntry values.
type exporterHandler struct {
	slot    *exporterSlot
	level   Level
	service string
	attrs   []slog.Attr
	groups  []string
}

func (h *exporterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.toSlogLevel() && h.slot.get() != nil
}

func (h *exporterHandler) Handle(ctx context.Context, r slog.Record) error {
	exp := h.slot.get()
	if exp == nil {
		return nil
	}

	entry := LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		addAttr(&entry, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		addAttr(&entry, prefix, a)
		return true
	})

	// Exporter failures stay inside the exporter.
	_ = exp.Export(ctx, entry)
	return nil
}

func (h *exporterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	prefix := strings.Join(h.groups, ".")
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *exporterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func addAttr(entry *LogEntry, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(entry, key, ga)
		}
		return
	}
	switch key {
	case "service":
		return
	case ComponentKey:
		entry.Component = a.Value.String()
		return
	}
	entry.Attrs[key] = a.Value.Any()
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func combine(handlers []slog.Handler) slog.Handler {
	switch len(handlers) {
	case 0:
		return slog.DiscardHandler
	case 1:
		return handlers[0]
	default:
		return &multiHandler{handlers: handlers}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func resolveFormat(f Format, out io.Writer) Format {
	if f != FormatAuto {
		return f
	}
	if file, ok := out.(*os.File); ok {
		fd := file.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return FormatText
		}
		return FormatJSON
	}
	return FormatText
}

func openLogFile(dir, service string) (*os.File, error) {
	logDir := ExpandPath(dir)
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "biit"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Exporter Implementations
// =============================================================================

// BufferedExporter keeps entries in memory. Intended for tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	closed  bool
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("exporter closed")
	}
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Entries returns a copy of the exported entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
