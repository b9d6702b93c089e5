package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/circuit"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/flags"
	"github.com/ocx/gateway/internal/orchestrator"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/session"
	"github.com/ocx/gateway/internal/stream"
	"github.com/ocx/gateway/internal/upstream"
)

// fakeClient stands in for the specialist tools behind the gateway.
type fakeClient struct {
	responses map[string]json.RawMessage
	scripts   map[string][]core.Chunk
}

func (f *fakeClient) Invoke(_ context.Context, tool core.Tool, _ *core.Request) (json.RawMessage, error) {
	if body, ok := f.responses[tool.ToolID]; ok {
		return body, nil
	}
	return nil, core.E(core.KindUpstreamError, "no scripted response")
}

func (f *fakeClient) Stream(_ context.Context, tool core.Tool, _ *core.Request) (<-chan core.Chunk, error) {
	out := make(chan core.Chunk, len(f.scripts[tool.ToolID])+1)
	for _, c := range f.scripts[tool.ToolID] {
		if c.Producer == "" {
			c.Producer = tool.ToolID
		}
		out <- c
	}
	close(out)
	return out, nil
}

type okChecker struct{}

func (okChecker) Check(context.Context, string) error { return nil }

type serverFixture struct {
	ts     *httptest.Server
	srv    *Server
	signer *auth.Signer
	client *fakeClient
	reg    *registry.Registry
}

func newServerFixture(t *testing.T, ready bool, mutate ...func(*config.Config)) *serverFixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Plans["tiny"] = config.RatePlan{Capacity: 1, RefillRate: 0.001}
	for _, fn := range mutate {
		fn(cfg)
	}

	signer := auth.NewSigner("test-secret", "", time.Minute)
	fl, err := flags.NewEvaluator("", nil)
	require.NoError(t, err)

	reg := registry.New()
	reg.Register(core.Tool{ToolID: core.OrchestratorToolID, BaseURL: "http://orchestrator", Capabilities: []string{"chat"}, Priority: 10})
	registry.NewProber(reg, okChecker{}, cfg.Registry, nil).ProbeAll(context.Background())

	client := &fakeClient{
		responses: map[string]json.RawMessage{core.OrchestratorToolID: json.RawMessage(`{"answer":42}`)},
		scripts: map[string][]core.Chunk{core.OrchestratorToolID: {
			{Kind: core.ChunkToken, Body: core.TextBody("hi")},
			{Kind: core.ChunkTerminal},
		}},
	}
	caller := upstream.NewCaller(client,
		circuit.NewManager(&circuit.Config{FailureThreshold: 3, Cooldown: time.Minute}),
		circuit.NewRetryPolicy(1, time.Millisecond, 0),
		nil, cfg.Orchestra.UpstreamTimeout, nil)

	sessions := session.NewMemory()
	orch := orchestrator.New(cfg.Orchestra, fl, reg, caller, sessions, nil, nil)
	streams := stream.NewManager(cfg.Streaming, nil)

	srv := New(Deps{
		Config:   cfg,
		Auth:     auth.NewAuthenticator(signer, nil),
		Signer:   signer,
		Origins:  auth.NewOriginPolicy(cfg.Server.AllowedOrigins, cfg.IsProduction()),
		Limiter:  ratelimit.New(nil, cfg, nil),
		Flags:    fl,
		Registry: reg,
		Orch:     orch,
		Streams:  streams,
		Sessions: sessions,
		Gatherer: prometheus.NewRegistry(),
	})
	srv.SetReady(ready)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, srv: srv, signer: signer, client: client, reg: reg}
}

func (f *serverFixture) token(t *testing.T, plan string, scopes ...string) string {
	t.Helper()
	tok, err := f.signer.Issue(&core.Tenant{TenantID: "acme", Scopes: scopes, RatePlan: plan}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *serverFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decodeBody(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response carries an error object")
	kind, _ := errObj["kind"].(string)
	return kind
}

func TestRootAndHealthArePublic(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ocx-gateway", decodeBody(t, resp)["name"])

	resp = f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	tools, ok := body["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	first := tools[0].(map[string]interface{})
	assert.Equal(t, "orchestrator", first["tool_id"])
	assert.Equal(t, "healthy", first["status"])
}

func TestHealthReportsStartingBeforeReady(t *testing.T) {
	f := newServerFixture(t, false)

	resp := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "starting", decodeBody(t, resp)["status"])

	// Guarded endpoints refuse intake until ready.
	resp = f.do(t, http.MethodGet, "/tools", f.token(t, "standard"), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMessagesRequireAuthentication(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/v1/messages", "", `{"intent":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", errorKind(t, resp))
}

func TestMessagesRequireWriteScope(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/v1/messages", f.token(t, "standard", "tools:read"), `{"intent":"hi"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission_denied", errorKind(t, resp))
}

func TestUnaryMessage(t *testing.T) {
	f := newServerFixture(t, true)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/messages", strings.NewReader(`{"intent":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "standard", "messages:write"))
	req.Header.Set("X-Request-ID", "req-123")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "req-123", body["request_id"])
	answer, ok := body["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), answer["answer"])
}

func TestUnaryMessageRejectsEmptyIntent(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/v1/messages", f.token(t, "standard", "messages:write"), `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorKind(t, resp))
}

func TestStreamingMessageOverSSE(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/v1/messages", f.token(t, "standard", "messages:write"),
		`{"intent":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-Resume-Token"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"token", "terminal"}, events)
}

func TestStreamingDisabledByFlag(t *testing.T) {
	t.Setenv("FF_STREAMING_ENABLED", "false")
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/v1/messages", f.token(t, "standard", "messages:write"),
		`{"intent":"hi","stream":true}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission_denied", errorKind(t, resp))
}

func TestThrottledRequestCarriesRetryAfter(t *testing.T) {
	f := newServerFixture(t, true)
	tok := f.token(t, "tiny")

	resp := f.do(t, http.MethodGet, "/tools", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/tools", tok, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "throttled", errorKind(t, resp))
}

func TestToolListing(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/tools", f.token(t, "standard"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	tools, ok := body["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	first := tools[0].(map[string]interface{})
	assert.Equal(t, "orchestrator", first["tool_id"])
	assert.Equal(t, "healthy", first["status"])
}

func TestClientVisibleFlags(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/feature-flags/client", f.token(t, "standard"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	fl, ok := body["flags"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, fl["single_entry_point_mode"])
	assert.Equal(t, true, fl["streaming_enabled"])
}

func TestAdminToolRegistration(t *testing.T) {
	f := newServerFixture(t, true)
	tok := f.token(t, "standard", "admin")

	resp := f.do(t, http.MethodPost, "/tools", tok,
		`{"tool_id":"spec_a","base_url":"http://spec-a:9000","capabilities":["search"],"priority":5}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got, ok := f.reg.Get("spec_a")
	require.True(t, ok)
	assert.Equal(t, core.StatusUnknown, got.Status, "new tools start unknown until probed")

	resp = f.do(t, http.MethodDelete, "/tools/spec_a", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/tools/spec_a", tok, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRequiresAdminScope(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/tools", f.token(t, "standard", "messages:write"),
		`{"tool_id":"x","base_url":"http://x","priority":5}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminValidatesPriority(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodPost, "/tools", f.token(t, "standard", "admin"),
		`{"tool_id":"x","base_url":"http://x","priority":11}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDrainingRejectsIntake(t *testing.T) {
	f := newServerFixture(t, true)
	f.srv.StartDraining()

	resp := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "draining", decodeBody(t, resp)["status"])

	resp = f.do(t, http.MethodPost, "/v1/messages", f.token(t, "standard", "messages:write"), `{"intent":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/", "", "")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "HSTS only in production")
}

func TestCORSHeadersForAllowedOrigin(t *testing.T) {
	f := newServerFixture(t, true, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Values("Vary"), "Origin")
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t, true, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestMismatchedOriginFailsClosedInProduction(t *testing.T) {
	f := newServerFixture(t, true, func(cfg *config.Config) {
		cfg.Server.Env = "production"
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission_denied", errorKind(t, resp))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMismatchedOriginPassesInDevelopment(t *testing.T) {
	f := newServerFixture(t, true, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example.com")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), "no CORS grant for unlisted origins")
}

func TestResumeRequiresToken(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/v1/stream/resume?ack=0", f.token(t, "standard", "messages:write"), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/stream/resume?resume_token=stale&ack=0", f.token(t, "standard", "messages:write"), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorKind(t, resp), "bad_request")
}

// metrics endpoint stays reachable without credentials.
func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newServerFixture(t, true)

	resp := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
