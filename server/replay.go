package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lumeo/syncbox"
	"github.com/lumeo/syncbox/drain"
	"github.com/lumeo/syncbox/telemetry"
)

// ReplayActionType is the built-in action type that replays an HTTP
// request once connectivity returns. Clients that only need fire-and-
// forget HTTP mutations can use it without registering a handler.
const ReplayActionType = "http.request"

// replayPayload is the payload schema for ReplayActionType actions.
type replayPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// NewHTTPReplayHandler returns the drain handler for ReplayActionType.
// If client is nil, a client with an instrumented default transport is
// used.
func NewHTTPReplayHandler(client *http.Client) drain.Handler {
	if client == nil {
		client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "replay"),
		}
	}

	return func(ctx context.Context, action syncbox.Action) error {
		var p replayPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decoding replay payload: %w", err)
		}
		if p.Method == "" {
			p.Method = http.MethodPost
		}
		if p.URL == "" {
			return fmt.Errorf("replay payload has no url")
		}

		var body io.Reader
		if len(p.Body) > 0 {
			body = bytes.NewReader(p.Body)
		}

		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
		if err != nil {
			return fmt.Errorf("building replay request: %w", err)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		if req.Header.Get("Content-Type") == "" && len(p.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("replaying %s %s: %w", p.Method, p.URL, err)
		}
		// Drain so the connection can be reused and the transport
		// records bytes read.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("replay %s %s returned status %d", p.Method, p.URL, resp.StatusCode)
		}
		return nil
	}
}
