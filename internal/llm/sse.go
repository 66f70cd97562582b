package llm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// readSSE calls onData for every "data:" payload of an event stream until
// the body ends, onData returns false, or "[DONE]" is seen.
func readSSE(ctx context.Context, body io.Reader, onData func(data string) bool) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if !onData(data) {
			return nil
		}
	}
	return sc.Err()
}

func statusError(provider string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Errorf("%s error: %d", provider, resp.StatusCode)
	}
	return fmt.Errorf("%s error: %d: %s", provider, resp.StatusCode, msg)
}
