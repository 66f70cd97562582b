package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	pebblestore "github.com/rzbill/chatrelay/internal/storage/pebble"
)

// streamFilter wraps a compiled CEL program evaluated against each stream.
// When disabled, Eval always returns true.
type streamFilter struct {
	prog    cel.Program
	enabled bool
}

// newStreamFilter compiles expr. Available variables:
//
//	id, status, owner (""), has_owner, conversation_id (0),
//	created_ms, last_activity_ms, last_delivered_id, error, alive, now_ms
func newStreamFilter(expr string) (streamFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return streamFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("has_owner", cel.BoolType),
		cel.Variable("conversation_id", cel.IntType),
		cel.Variable("created_ms", cel.IntType),
		cel.Variable("last_activity_ms", cel.IntType),
		cel.Variable("last_delivered_id", cel.IntType),
		cel.Variable("error", cel.StringType),
		cel.Variable("alive", cel.BoolType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return streamFilter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return streamFilter{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return streamFilter{}, fmt.Errorf("filter must evaluate to bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return streamFilter{}, err
	}
	return streamFilter{prog: prog, enabled: true}, nil
}

func (f streamFilter) Eval(st Stream, alive bool, nowMs int64) bool {
	if !f.enabled {
		return true
	}
	var owner string
	if st.OwnerID != nil {
		owner = *st.OwnerID
	}
	var conv int64
	if st.ConversationID != nil {
		conv = *st.ConversationID
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":                st.ID,
		"status":            string(st.Status),
		"owner":             owner,
		"has_owner":         st.OwnerID != nil,
		"conversation_id":   conv,
		"created_ms":        st.CreatedAt.UnixMilli(),
		"last_activity_ms":  st.LastActivityAt.UnixMilli(),
		"last_delivered_id": int64(st.LastDeliveredID),
		"error":             st.ErrorMessage,
		"alive":             alive,
		"now_ms":            nowMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Listed is a stream together with its liveness at listing time.
type Listed struct {
	Stream
	Alive bool `json:"alive"`
}

// List returns every registered stream matching the CEL filter expression,
// ordered by id. An empty filter matches all streams.
func (r *Registry) List(ctx context.Context, filter string) ([]Listed, error) {
	f, err := newStreamFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	now := r.clock.Now()
	var out []Listed
	err = r.db.View(func(snap pebblestore.Reader) error {
		return snap.ScanPrefix(streamPrefix, func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var st Stream
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("registry: decode stream: %w", err)
			}
			alive, err := aliveIn(snap, st.ID, now)
			if err != nil {
				return err
			}
			if f.Eval(st, alive, now.UnixMilli()) {
				out = append(out, Listed{Stream: st, Alive: alive})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
