// Package logger provides a structured logging interface backed by zerolog.
// Output goes to stdout in either JSON or human-readable console form, and can
// additionally be appended to a file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Loggers may be derived with
// With for component-scoped or connection-scoped fields.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases the log file, if any. Derived loggers never own the
	// file. It is safe to call multiple times.
	//
	// Returns:
	//   - An error if closing the file fails
	Close() error
}

// Output formats accepted by Options.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures New.
type Options struct {
	// Service is added as the "service" field of every entry.
	Service string
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Empty means info.
	Level string
	// Format is FormatJSON or FormatConsole. Empty means console.
	Format string
	// File, when set, receives a JSON copy of every entry. The file is
	// created if missing and appended to otherwise.
	File string
}

type zerologLogger struct {
	logger zerolog.Logger
	file   *os.File
}

// New builds a Logger from opts.
//
// Parameters:
//   - opts: Service name, level, format and optional file path
//
// Returns:
//   - The Logger
//   - An error if the level or format is unknown or the file cannot be opened
func New(opts Options) (Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	var out io.Writer
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case FormatJSON:
		out = os.Stdout
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var file *os.File
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}

		file = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	l := NewZerologLogger(zerolog.New(out), opts.Service, level).(*zerologLogger)
	l.file = file
	return l, nil
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	ctx := l.With().Timestamp()
	if serviceName != "" {
		ctx = ctx.Str("service", serviceName)
	}

	return &zerologLogger{logger: ctx.Logger().Level(level)}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.file == nil {
		return nil
	}

	f := z.file
	z.file = nil
	return f.Close()
}

// toMap converts a slice of Field into a map for zerolog. Error values are
// rendered as strings so they survive JSON encoding.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			m[f.Key] = err.Error()
			continue
		}

		m[f.Key] = f.Value
	}

	return m
}
