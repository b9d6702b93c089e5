package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/core"
)

type wsFrame struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	ResumeToken string          `json:"resume_token"`
	Message     string          `json:"message"`
	Seq         uint64          `json:"seq"`
	Kind        core.ChunkKind  `json:"kind"`
	Producer    string          `json:"producer"`
	Body        json.RawMessage `json:"body"`
}

func testWSServer(t *testing.T, dispatch DispatchFunc) (*httptest.Server, *Manager) {
	t.Helper()

	m := NewManager(testStreamingConfig(), nil)
	verify := func(token string) (*core.Tenant, error) {
		if token != "good-token" {
			return nil, core.E(core.KindUnauthenticated, "invalid token")
		}
		return &core.Tenant{TenantID: "acme"}, nil
	}
	session := func(_ context.Context, _ *core.Tenant, sessionID string) (string, error) {
		if sessionID == "" {
			return "fresh-session", nil
		}
		return sessionID, nil
	}

	srv := NewWSServer(m, auth.NewOriginPolicy(nil, false), verify, session, dispatch, 30*time.Second, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.Handle))
	t.Cleanup(ts.Close)
	return ts, m
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWSHelloHandshake(t *testing.T) {
	ts, _ := testWSServer(t, func(context.Context, *core.Tenant, *core.Request, *Stream) {})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))

	ack := readFrame(t, conn)
	assert.Equal(t, "hello-ack", ack.Type)
	assert.Equal(t, "fresh-session", ack.SessionID)
	assert.NotEmpty(t, ack.ResumeToken)
}

func TestWSRejectsBadToken(t *testing.T) {
	ts, _ := testWSServer(t, func(context.Context, *core.Tenant, *core.Request, *Stream) {})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "bad"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestWSRejectsNonHelloFirstFrame(t *testing.T) {
	ts, _ := testWSServer(t, func(context.Context, *core.Tenant, *core.Request, *Stream) {})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "intent": "hi"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestWSMessageStreamsChunks(t *testing.T) {
	dispatch := func(ctx context.Context, tenant *core.Tenant, req *core.Request, s *Stream) {
		assert.Equal(t, "acme", tenant.TenantID)
		assert.Equal(t, "hello", req.Intent)
		s.Publish(ctx, core.Chunk{Kind: core.ChunkToken, Producer: "orchestrator", Body: core.TextBody("hi")})
		s.Publish(ctx, core.Chunk{Kind: core.ChunkTerminal, Producer: "orchestrator"})
	}
	ts, m := testWSServer(t, dispatch)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "intent": "hello"}))

	first := readFrame(t, conn)
	assert.Equal(t, core.ChunkToken, first.Kind)
	assert.Equal(t, uint64(1), first.Seq)

	second := readFrame(t, conn)
	assert.Equal(t, core.ChunkTerminal, second.Kind)
	assert.Equal(t, uint64(2), second.Seq)

	require.Eventually(t, func() bool { return m.OpenCount() == 0 },
		time.Second, 10*time.Millisecond, "stream released after terminal")
}

func TestWSCancelStopsRequest(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	dispatch := func(ctx context.Context, _ *core.Tenant, req *core.Request, s *Stream) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}
	ts, _ := testWSServer(t, dispatch)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "request_id": "r9", "intent": "slow"}))
	<-started

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel", "request_id": "r9"}))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel frame did not cancel the request context")
	}
}

func TestWSStalledStreamClosesWithReason(t *testing.T) {
	dispatch := func(_ context.Context, _ *core.Tenant, _ *core.Request, s *Stream) {
		s.closeWith("stalled")
	}
	ts, _ := testWSServer(t, dispatch)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "intent": "hi"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wsFrame
	err := conn.ReadJSON(&f)
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "stalled", ce.Text)
}

func TestWSAckTrimsReplayBuffer(t *testing.T) {
	release := make(chan struct{})
	dispatch := func(ctx context.Context, _ *core.Tenant, _ *core.Request, s *Stream) {
		for i := 0; i < 3; i++ {
			s.Publish(ctx, core.Chunk{Kind: core.ChunkToken, Producer: "orchestrator", Body: core.TextBody("t")})
		}
		<-release
	}
	ts, m := testWSServer(t, dispatch)
	defer close(release)

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))
	resumeToken := readFrame(t, conn).ResumeToken

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "intent": "hi"}))
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ack", "ack": 2}))

	// The ack frees the retained frames; resuming behind it is a gap.
	var st *Stream
	m.mu.Lock()
	for _, e := range m.streams {
		st = e.stream
	}
	m.mu.Unlock()
	require.NotNil(t, st)
	require.Eventually(t, func() bool {
		_, ok := st.ring.Since(0)
		return !ok
	}, time.Second, 10*time.Millisecond, "ack frame never reached the ring")

	conn.Close()
	conn2 := dialWS(t, ts)
	require.NoError(t, conn2.WriteJSON(map[string]interface{}{
		"type": "hello", "token": "good-token", "resume_token": resumeToken, "ack": 0,
	}))
	frame := readFrame(t, conn2)
	assert.Equal(t, "resume-expired", frame.Type)
}

func TestWSResumeExpired(t *testing.T) {
	ts, _ := testWSServer(t, func(context.Context, *core.Tenant, *core.Request, *Stream) {})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "hello", "token": "good-token", "resume_token": "stale", "ack": 12,
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "resume-expired", frame.Type)
}

func TestWSResumePicksUpAfterAck(t *testing.T) {
	release := make(chan struct{})
	dispatch := func(ctx context.Context, _ *core.Tenant, req *core.Request, s *Stream) {
		for i := 0; i < 3; i++ {
			s.Publish(ctx, core.Chunk{Kind: core.ChunkToken, Producer: "orchestrator", Body: core.TextBody("t")})
		}
		<-release
		s.Publish(ctx, core.Chunk{Kind: core.ChunkTerminal, Producer: "orchestrator"})
	}
	ts, _ := testWSServer(t, dispatch)

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "token": "good-token"}))
	resumeToken := readFrame(t, conn).ResumeToken

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "intent": "hi"}))
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}
	conn.Close()

	// Reconnect acknowledging seq 2: frame 3 replays, then the terminal.
	conn2 := dialWS(t, ts)
	require.NoError(t, conn2.WriteJSON(map[string]interface{}{
		"type": "hello", "token": "good-token", "resume_token": resumeToken, "ack": 2,
	}))
	ack := readFrame(t, conn2)
	require.Equal(t, "hello-ack", ack.Type)

	replayed := readFrame(t, conn2)
	assert.Equal(t, uint64(3), replayed.Seq, "no duplicates before the acked seq")

	close(release)
	final := readFrame(t, conn2)
	assert.Equal(t, core.ChunkTerminal, final.Kind)
	assert.Equal(t, uint64(4), final.Seq)
}
