package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
)

// bridgeHandler is a slog.Handler that renders records through the
// BaseLogger formatter and outputs. Groups are flattened into dotted keys.
type bridgeHandler struct {
	logger     *BaseLogger
	attrs      []slog.Attr
	prefix     string
	redactions map[string]struct{}
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger}
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.level.get() <= fromSlogLevel(level)
}

func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	fields := Fields{}
	for _, a := range h.attrs {
		h.put(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, h.prefix, a)
		return true
	})

	caller := ""
	if r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			caller = f.File + ":" + strconv.Itoa(f.Line)
		}
	}

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    caller,
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put stores a under prefix+key, expanding groups and rendering errors as
// their message so JSON output does not collapse them to {}.
func (h *bridgeHandler) put(fields Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := prefix + a.Key
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range v.Group() {
			h.put(fields, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	if _, ok := h.redactions[a.Key]; ok {
		fields[key] = "[REDACTED]"
		return
	}
	if err, ok := v.Any().(error); ok {
		fields[key] = err.Error()
		return
	}
	fields[key] = v.Any()
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redactions = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		nh.redactions[k] = struct{}{}
	}
	return &nh
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func attrsFromFields(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func attrsToAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i := range attrs {
		out[i] = attrs[i]
	}
	return out
}
