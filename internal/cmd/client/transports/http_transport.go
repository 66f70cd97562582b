// Package transports provides the wire clients used by the CLI.
package transports

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/eventlog"
	chatsvc "github.com/rzbill/chatrelay/internal/services/chat"
)

// errStop ends a tail early once the frame limit is reached.
var errStop = errors.New("stop")

// HTTPTransport implements RelayTransport against the chatrelay HTTP API.
type HTTPTransport struct {
	base   func() string
	header string
	client *http.Client
}

// NewHTTPTransport constructs a transport. header names the identity header
// the server trusts; client defaults to http.DefaultClient.
func NewHTTPTransport(base func() string, header string, client *http.Client) *HTTPTransport {
	if header == "" {
		header = "X-User-ID"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: base, header: header, client: client}
}

func (t *HTTPTransport) do(ctx context.Context, method, path, principal string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.base(), "/")+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != "" {
		req.Header.Set(t.header, principal)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return readStatusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// Send submits a chat message.
func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (chatsvc.SendResult, error) {
	body := map[string]any{"content": req.Content}
	if req.ConversationID != nil {
		body["conversation_id"] = *req.ConversationID
	}
	if len(req.Messages) > 0 {
		body["messages"] = req.Messages
	}
	var out chatsvc.SendResult
	err := t.do(ctx, http.MethodPost, "/v1/chat/send", req.Principal, body, &out)
	return out, err
}

// Tail subscribes to a stream over SSE and invokes onFrame per event. It
// returns nil once a terminal event arrives, the limit is reached or the
// server closes the response.
func (t *HTTPTransport) Tail(ctx context.Context, req TailRequest, onFrame func(Frame) error) error {
	u := strings.TrimRight(t.base(), "/") + "/v1/chat/stream/" + url.PathEscape(req.StreamID)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	hreq.Header.Set("Accept", "text/event-stream")
	if req.Principal != "" {
		hreq.Header.Set(t.header, req.Principal)
	}
	if req.From > 0 {
		hreq.Header.Set("Last-Event-ID", strconv.FormatUint(uint64(req.From), 10))
	}
	resp, err := t.client.Do(hreq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}

	n := 0
	err = ReadSSE(resp.Body, func(f Frame) error {
		if err := onFrame(f); err != nil {
			return err
		}
		n++
		if f.Event.Kind.Terminal() || f.Event.Kind == event.KindTimeout {
			return errStop
		}
		if req.Limit > 0 && n >= req.Limit {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// ReadSSE parses an event-stream body, calling fn for each complete event.
func ReadSSE(r io.Reader, fn func(Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		id   eventlog.EntryID
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				ev, err := event.Decode([]byte(strings.Join(data, "\n")))
				if err != nil {
					return err
				}
				if err := fn(Frame{ID: id, Event: ev}); err != nil {
					return err
				}
			}
			id, data = 0, nil
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("sse: bad id %q", value)
			}
			id = eventlog.EntryID(n)
		case "data":
			data = append(data, value)
		}
	}
	return sc.Err()
}

// ListStreams lists registered streams matching an optional CEL filter.
func (t *HTTPTransport) ListStreams(ctx context.Context, filter string) ([]StreamInfo, error) {
	path := "/v1/streams"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var out struct {
		Streams []StreamInfo `json:"streams"`
	}
	err := t.do(ctx, http.MethodGet, path, "", nil, &out)
	return out.Streams, err
}

// GetStream fetches one registry entry.
func (t *HTTPTransport) GetStream(ctx context.Context, id string) (StreamInfo, error) {
	var out StreamInfo
	err := t.do(ctx, http.MethodGet, "/v1/streams/"+url.PathEscape(id), "", nil, &out)
	return out, err
}

// DeleteStream removes a stream from the registry.
func (t *HTTPTransport) DeleteStream(ctx context.Context, id string) error {
	return t.do(ctx, http.MethodDelete, "/v1/streams/"+url.PathEscape(id), "", nil, nil)
}

// Sweep triggers one janitor pass.
func (t *HTTPTransport) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := t.do(ctx, http.MethodPost, "/v1/janitor/sweep", "", nil, &out)
	return out, err
}
