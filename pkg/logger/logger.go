package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the rotating audit trail. Zero rotation values fall
// back to 100 MB, 7 backups and 30 days.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Redacted replaces the value of any attribute whose key names secret material.
const Redacted = "[REDACTED]"

var secretKeys = []string{"private_key", "privatekey", "secret", "password"}

var (
	mu      sync.RWMutex
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init installs the process-wide loggers. It may be called once; later calls
// return an error and leave the installed loggers untouched.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		return errors.New("logger already initialised")
	}

	out, outClosers, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	handler := newHandler(out, cfg.Format, &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   true,
		ReplaceAttr: redactAttr,
	})
	root := slog.New(handler)

	trail := root
	if cfg.Audit.Enabled {
		writer, err := newAuditWriter(cfg.Audit)
		if err != nil {
			closeAll(outClosers)
			return err
		}
		outClosers = append(outClosers, writer)
		trail = slog.New(NewHandler(writer, "json", slog.LevelInfo))
	}

	base, audit, closers = root, trail, outClosers
	return nil
}

// NewHandler builds a redacting handler writing to w. Tests use it to
// capture output.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	return newHandler(w, format, &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr})
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// redactAttr is applied to every attribute, including ones nested in groups.
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	for _, secret := range secretKeys {
		if strings.Contains(key, secret) {
			return slog.String(attr.Key, Redacted)
		}
	}
	return attr
}

// openOutputs resolves "stdout", "stderr" and file paths into one writer.
func openOutputs(paths []string) (io.Writer, []io.Closer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil, nil
	}
	var (
		writers []io.Writer
		opened  []io.Closer
	)
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			writers = append(writers, file)
			opened = append(opened, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], opened, nil
	}
	return io.MultiWriter(writers...), opened, nil
}

// newAuditWriter returns a size-rotated file writer for the audit trail.
func newAuditWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	if writer.MaxSize <= 0 {
		writer.MaxSize = 100
	}
	if writer.MaxBackups <= 0 {
		writer.MaxBackups = 7
	}
	if writer.MaxAge <= 0 {
		writer.MaxAge = 30
	}
	return writer, nil
}

func parseLevel(level string) slog.Level {
	var parsed slog.Level
	switch strings.ToLower(level) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the process logger. Before Init it writes JSON to stdout.
func L() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Audit returns the audit logger, which is L() when no audit file is set up.
func Audit() *slog.Logger {
	mu.RLock()
	a := audit
	mu.RUnlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync closes file outputs opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll(closers)
	closers = nil
	return err
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
