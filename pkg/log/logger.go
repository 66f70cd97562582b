package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a textual level (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// Fields is a map of field names to values.
type Fields map[string]any

// Entry represents a single log entry handed to formatters and outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the logging interface injected into every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger carrying the given fields on every entry.
	With(fields ...Field) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter turns an entry into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements Logger on top of slog.
type BaseLogger struct {
	level     *levelVar
	formatter Formatter
	outputs   []Output
	redact    []string
	slog      *slog.Logger
}

// levelVar is shared between a logger and its children so SetLevel applies to
// the whole tree.
type levelVar struct{ v atomic.Int32 }

func newLevelVar(l Level) *levelVar {
	lv := &levelVar{}
	lv.v.Store(int32(l))
	return lv
}

func (lv *levelVar) get() Level { return Level(lv.v.Load()) }

// NewLogger creates a new logger with the given options. Defaults: info level,
// JSON formatting, console output.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		level:     newLevelVar(InfoLevel),
		formatter: &JSONFormatter{},
	}
	for _, opt := range options {
		opt(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = append(l.outputs, NewConsoleOutput())
	}
	h := newBridgeHandler(l).withRedactions(l.redact)
	l.slog = slog.New(h)
	return l
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = newLevelVar(level) }
}

// WithFormatter sets the log formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output to the logger.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

// WithRedactedKeys replaces the values of the given field keys with
// "[REDACTED]".
func WithRedactedKeys(keys ...string) LoggerOption {
	return func(l *BaseLogger) { l.redact = append(l.redact, keys...) }
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level.get() {
		return
	}
	// skip runtime.Callers, log, and the leveled method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), toSlogLevel(level), msg, pcs[0])
	r.AddAttrs(attrsFromFields(fields)...)
	_ = l.slog.Handler().Handle(context.Background(), r)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With returns a child logger sharing outputs and level.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := *l
	child.slog = l.slog.With(attrsToAny(attrsFromFields(fields))...)
	return &child
}

func (l *BaseLogger) WithError(err error) Logger { return l.With(Err(err)) }

func (l *BaseLogger) WithComponent(component string) Logger { return l.With(Component(component)) }

func (l *BaseLogger) SetLevel(level Level) { l.level.v.Store(int32(level)) }

func (l *BaseLogger) GetLevel() Level { return l.level.get() }

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(ErrorLevel+1), WithOutput(NullOutput{}))
}

// Config is the declarative logger configuration.
type Config struct {
	Level  string   `json:"level" yaml:"level"`
	Format string   `json:"format" yaml:"format"`
	Redact []string `json:"redact,omitempty" yaml:"redact,omitempty"`
}

// DefaultRedactedKeys are always masked by ApplyConfig.
var DefaultRedactedKeys = []string{"api_key", "authorization", "amqp_url"}

// ApplyConfig builds a logger writing to stderr from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var f Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		f = &TextFormatter{}
	case "json":
		f = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	return NewLogger(
		WithLevel(lvl),
		WithFormatter(f),
		WithOutput(&ConsoleOutput{w: os.Stderr}),
		WithRedactedKeys(DefaultRedactedKeys...),
		WithRedactedKeys(cfg.Redact...),
	), nil
}
