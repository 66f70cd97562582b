package event

import (
	"errors"
	"testing"
)

func TestEncodeWireShape(t *testing.T) {
	id := int64(17)
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"chunk", Chunk("Hel", &id), `{"type":"chunk","content":"Hel","message_id":17}`},
		{"guest chunk", Chunk("lo", nil), `{"type":"chunk","content":"lo","message_id":null}`},
		{"complete", Complete(&id), `{"type":"complete","message_id":17}`},
		{"error", Failure("boom", nil), `{"type":"error","message_id":null,"message":"boom"}`},
		{"connected", Connected(), `{"type":"connected"}`},
		{"timeout", TimedOut(), `{"type":"timeout","message":"Stream timeout"}`},
		{"bare timeout", Event{Kind: KindTimeout}, `{"type":"timeout"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.ev)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(b) != tc.want {
				t.Fatalf("got %s want %s", b, tc.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	e, err := Decode([]byte(`{"type":"error","message":"Error: rate limited","message_id":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Kind != KindError || e.Message != "Error: rate limited" || e.MessageID == nil || *e.MessageID != 3 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if !e.Kind.Terminal() {
		t.Fatalf("error must be terminal")
	}

	g, err := Decode([]byte(`{"type":"chunk","content":"x","message_id":null}`))
	if err != nil {
		t.Fatalf("decode guest: %v", err)
	}
	if g.MessageID != nil || g.Kind.Terminal() {
		t.Fatalf("unexpected guest chunk: %+v", g)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"ping"}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}
