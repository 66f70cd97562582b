// Package event defines the relay payload carried between producers and
// connected clients, and its JSON wire encoding.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of relay event variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindChunk
	KindComplete
	KindError
	KindConnected
	KindTimeout
)

var kindNames = [...]string{
	KindUnknown:   "",
	KindChunk:     "chunk",
	KindComplete:  "complete",
	KindError:     "error",
	KindConnected: "connected",
	KindTimeout:   "timeout",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Terminal reports whether no further events may follow this kind.
func (k Kind) Terminal() bool { return k == KindComplete || k == KindError }

// ParseKind maps a wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name != "" && name == s {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ErrUnknownKind is returned when decoding an event with an unrecognised type.
var ErrUnknownKind = errors.New("event: unknown type")

// Event is one unit of relay payload.
//
// Content is set on chunk events. Message is set on error events.
// MessageID correlates chunk, complete and error events with a persisted
// message; it is nil for guest streams.
type Event struct {
	Kind      Kind
	Content   string
	MessageID *int64
	Message   string
}

// Chunk builds a chunk event carrying a text fragment.
func Chunk(content string, messageID *int64) Event {
	return Event{Kind: KindChunk, Content: content, MessageID: messageID}
}

// Complete builds the terminal success event.
func Complete(messageID *int64) Event {
	return Event{Kind: KindComplete, MessageID: messageID}
}

// Failure builds the terminal error event.
func Failure(message string, messageID *int64) Event {
	return Event{Kind: KindError, Message: message, MessageID: messageID}
}

// Connected builds the synthetic event sent when a client attaches.
func Connected() Event { return Event{Kind: KindConnected} }

// TimeoutMessage is the text carried by a budget timeout.
const TimeoutMessage = "Stream timeout"

// TimedOut builds the synthetic event sent when a connection exceeds its budget.
func TimedOut() Event { return Event{Kind: KindTimeout, Message: TimeoutMessage} }

// wire is the exact JSON shape. MessageID is a json.RawMessage so that
// chunk/complete/error can emit an explicit null.
type wire struct {
	Type      string          `json:"type"`
	Content   *string         `json:"content,omitempty"`
	MessageID json.RawMessage `json:"message_id,omitempty"`
	Message   *string         `json:"message,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode renders e in its wire form.
func Encode(e Event) ([]byte, error) {
	w := wire{Type: e.Kind.String()}
	switch e.Kind {
	case KindChunk:
		c := e.Content
		w.Content = &c
		w.MessageID = encodeMessageID(e.MessageID)
	case KindComplete:
		w.MessageID = encodeMessageID(e.MessageID)
	case KindError:
		m := e.Message
		w.Message = &m
		w.MessageID = encodeMessageID(e.MessageID)
	case KindTimeout:
		if e.Message != "" {
			m := e.Message
			w.Message = &m
		}
	case KindConnected:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	return json.Marshal(w)
}

func encodeMessageID(id *int64) json.RawMessage {
	if id == nil {
		return jsonNull
	}
	b, _ := json.Marshal(*id)
	return b
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	k, err := ParseKind(w.Type)
	if err != nil {
		return Event{}, err
	}
	e := Event{Kind: k}
	if w.Content != nil {
		e.Content = *w.Content
	}
	if w.Message != nil {
		e.Message = *w.Message
	}
	if len(w.MessageID) > 0 && string(w.MessageID) != "null" {
		var id int64
		if err := json.Unmarshal(w.MessageID, &id); err != nil {
			return Event{}, fmt.Errorf("event: decode message_id: %w", err)
		}
		e.MessageID = &id
	}
	return e, nil
}

// MarshalJSON implements json.Marshaler using the wire form.
func (e Event) MarshalJSON() ([]byte, error) { return Encode(e) }

// UnmarshalJSON implements json.Unmarshaler using the wire form.
func (e *Event) UnmarshalJSON(b []byte) error {
	d, err := Decode(b)
	if err != nil {
		return err
	}
	*e = d
	return nil
}
