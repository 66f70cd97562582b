package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TextFormatter renders entries as a single human-readable line:
//
//	2025-01-02T15:04:05.000Z INFO  message key=value ...
type TextFormatter struct {
	// DisableTimestamp omits the leading timestamp.
	DisableTimestamp bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if !f.DisableTimestamp {
		buf.WriteString(e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		buf.WriteByte(' ')
	}
	fmt.Fprintf(&buf, "%-5s %s", e.Level.String(), e.Message)
	for _, k := range sortedKeys(e.Fields) {
		fmt.Fprintf(&buf, " %s=%v", k, e.Fields[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

// Format implements Formatter.
func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	if e.Caller != "" {
		m["caller"] = e.Caller
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func sortedKeys(m Fields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
