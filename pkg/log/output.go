package log

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to a writer (stderr by default).
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput returns an output writing to stderr.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{w: os.Stderr} }

// NewWriterOutput returns an output writing to w.
func NewWriterOutput(w io.Writer) *ConsoleOutput { return &ConsoleOutput{w: w} }

func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := o.w
	if w == nil {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (o *ConsoleOutput) Close() error { return nil }

// NullOutput discards everything.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }

// BufferOutput keeps formatted entries in memory. Tests use it to assert on
// emitted logs.
type BufferOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *BufferOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.buf.Write(formatted)
	return err
}

func (o *BufferOutput) Close() error { return nil }

// String returns everything written so far.
func (o *BufferOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
