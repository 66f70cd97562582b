package log

import (
	"time"
)

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// Str creates a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 creates a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool creates a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur creates a duration field rendered as a Go duration string.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Any creates a field with an arbitrary value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Err creates an "error" field. A nil error yields an empty value.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags entries with the emitting component.
func Component(name string) Field { return Field{Key: "component", Value: name} }
