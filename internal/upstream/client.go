// Package upstream calls specialist tools. The raw ModelClient speaks the
// tool protocol; Caller wraps it in the resilience pipeline
// (timeout, retry, breaker, cache).
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/tracing"
)

// ModelClient is the abstract interface to a specialist tool.
type ModelClient interface {
	// Invoke performs a unary call and returns the tool's JSON response.
	Invoke(ctx context.Context, tool core.Tool, req *core.Request) (json.RawMessage, error)
	// Stream performs a streaming call. The channel closes after the last
	// chunk; transport failures surface as a final error chunk.
	Stream(ctx context.Context, tool core.Tool, req *core.Request) (<-chan core.Chunk, error)
}

// invokePayload is the wire request sent to tools.
type invokePayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Intent    string `json:"intent"`
}

// HTTPClient talks JSON over HTTP: POST /invoke for unary calls and
// POST /stream (SSE response) for streaming ones.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds the client. The transport-level timeout stays off;
// deadlines come from the per-call context.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (h *HTTPClient) Invoke(ctx context.Context, tool core.Tool, req *core.Request) (json.RawMessage, error) {
	resp, err := h.post(ctx, tool.BaseURL+"/invoke", req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusError(resp, tool.ToolID); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamError, "read response from "+tool.ToolID, err)
	}
	return body, nil
}

func (h *HTTPClient) Stream(ctx context.Context, tool core.Tool, req *core.Request) (<-chan core.Chunk, error) {
	resp, err := h.post(ctx, tool.BaseURL+"/stream", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if err := statusError(resp, tool.ToolID); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan core.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		if err := readSSE(ctx, resp.Body, tool.ToolID, out); err != nil {
			select {
			case out <- core.ErrorChunk(err, ""):
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (h *HTTPClient) post(ctx context.Context, url string, req *core.Request, accept string) (*http.Response, error) {
	payload, err := json.Marshal(invokePayload{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Intent:    req.Intent,
	})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "encode upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	tracing.Inject(ctx, httpReq.Header)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamError, "call "+url, err)
	}
	return resp, nil
}

// statusError maps upstream HTTP statuses: 2xx pass, 5xx are transient,
// 4xx are permanent upstream errors.
func statusError(resp *http.Response, toolID string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := fmt.Sprintf("tool %s returned status %d", toolID, resp.StatusCode)
	if resp.StatusCode >= 500 {
		return core.Transient(core.KindUpstreamError, msg, nil)
	}
	return core.E(core.KindUpstreamError, msg)
}

// readSSE decodes the tool's event stream into chunks. Each event carries
// the frame JSON in its data line; the event name is the chunk kind.
func readSSE(ctx context.Context, body io.Reader, toolID string, out chan<- core.Chunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var kind, data string
	flush := func() error {
		if data == "" {
			return nil
		}
		var chunk core.Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return core.Transient(core.KindUpstreamError, "malformed frame from "+toolID, err)
		}
		if kind != "" {
			chunk.Kind = core.ChunkKind(kind)
		}
		if chunk.Producer == "" {
			chunk.Producer = toolID
		}
		if chunk.TS.IsZero() {
			chunk.TS = time.Now()
		}
		kind, data = "", ""

		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return core.Wrap(core.KindCancelled, "stream consumer gone", ctx.Err())
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(line[len("data:"):])
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil // consumer cancelled; the orchestrator owns the error
		}
		return core.Transient(core.KindUpstreamError, "stream from "+toolID+" broke", err)
	}
	return nil
}
