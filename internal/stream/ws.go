package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/core"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
)

// clientFrame is any frame the client may send.
type clientFrame struct {
	Type        string `json:"type"` // hello, message, cancel, ack, typing-indicator
	Token       string `json:"token,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Ack         uint64 `json:"ack,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Intent      string `json:"intent,omitempty"`
	Tool        string `json:"tool,omitempty"`
}

// controlFrame is a non-chunk server frame.
type controlFrame struct {
	Type        string `json:"type"` // hello-ack, presence, backpressure-hint, resume-expired
	SessionID   string `json:"session_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Message     string `json:"message,omitempty"`
}

// DispatchFunc runs one request and publishes its chunks to the stream.
// Implemented by the orchestrator; blocks until the request finishes.
type DispatchFunc func(ctx context.Context, tenant *core.Tenant, req *core.Request, s *Stream)

// SessionFunc resolves or creates the session for a hello frame.
type SessionFunc func(ctx context.Context, tenant *core.Tenant, sessionID string) (string, error)

// WSServer upgrades and serves bidirectional streaming sockets.
type WSServer struct {
	manager  *Manager
	verify   func(token string) (*core.Tenant, error)
	dispatch DispatchFunc
	session  SessionFunc
	timeout  time.Duration // per-request deadline for socket messages
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSServer wires the socket endpoint.
func NewWSServer(m *Manager, origins *auth.OriginPolicy, verify func(string) (*core.Tenant, error), session SessionFunc, dispatch DispatchFunc, requestTimeout time.Duration, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		manager:  m,
		verify:   verify,
		dispatch: dispatch,
		session:  session,
		timeout:  requestTimeout,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origins.Allow(r.Header.Get("Origin"))
			},
		},
	}
}

// wsConn is one active socket. All writes go through the send channel into
// writePump; readPump is the only reader. This keeps the gorilla connection
// free of concurrent writes.
type wsConn struct {
	srv    *WSServer
	conn   *websocket.Conn
	tenant *core.Tenant

	sessionID string
	stream    *Stream

	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	lastAck  uint64
}

// Handle upgrades the request. The first client frame must be a hello
// carrying credentials; everything before it is rejected.
func (srv *WSServer) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsConn{
		srv:      srv,
		conn:     conn,
		send:     make(chan []byte, srv.manager.cfg.SendBuffer),
		done:     make(chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}

	if !c.handshake(r.Context()) {
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(r.Context())
}

// handshake reads and validates the hello frame, resuming a previous
// stream when a resume token is presented.
func (c *wsConn) handshake(ctx context.Context) bool {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(writeWait))

	var hello clientFrame
	if err := c.conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		c.writeDirect(controlFrame{Type: "error", Message: "expected hello frame"})
		return false
	}

	tenant, err := c.srv.verify(hello.Token)
	if err != nil {
		c.writeDirect(controlFrame{Type: "error", Message: "unauthenticated"})
		return false
	}
	c.tenant = tenant

	if hello.ResumeToken != "" {
		s, err := c.srv.manager.Resume(hello.ResumeToken, hello.Ack)
		if err != nil {
			c.writeDirect(controlFrame{Type: "resume-expired"})
			return false
		}
		c.stream = s
		c.sessionID = s.SessionID
	} else {
		sessionID, err := c.srv.session(ctx, tenant, hello.SessionID)
		if err != nil {
			c.writeDirect(controlFrame{Type: "error", Message: core.MessageOf(err)})
			return false
		}
		c.sessionID = sessionID
		c.stream = c.srv.manager.Open(sessionID, tenant.TenantID)
	}

	c.writeDirect(controlFrame{
		Type:        "hello-ack",
		SessionID:   c.sessionID,
		ResumeToken: c.stream.ResumeToken,
	})
	return true
}

// writeDirect is only safe before writePump starts.
func (c *wsConn) writeDirect(f controlFrame) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteJSON(f)
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.mu.Unlock()
		c.srv.manager.Detach(c.stream)
		c.conn.Close()
	})
}

// writePump owns all writes: stream chunks, heartbeats, pings and
// backpressure hints.
func (c *wsConn) writePump() {
	ping := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(c.srv.manager.cfg.HeartbeatInterval)
	defer func() {
		ping.Stop()
		heartbeat.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.stream.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if reason := c.stream.CloseReason(); reason != "" {
				msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
			}
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			return

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-heartbeat.C:
			c.stream.TryPublish(core.Chunk{Kind: core.ChunkHeartbeat})

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case chunk := <-c.stream.Out():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			c.srv.manager.CountChunk("websocket")

			if chunk.Terminal() {
				c.srv.manager.Remove(c.stream)
				return
			}
			c.maybeHintBackpressure()
		}
	}
}

// maybeHintBackpressure warns the client when the outgoing queue is more
// than three-quarters full.
func (c *wsConn) maybeHintBackpressure() {
	out := c.stream.Out()
	if cap(out) == 0 || len(out)*4 < cap(out)*3 {
		return
	}
	payload, _ := json.Marshal(controlFrame{Type: "backpressure-hint"})
	select {
	case c.send <- payload:
	default:
	}
}

// readPump handles inbound frames until the client goes away.
func (c *wsConn) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case "message":
			c.startRequest(ctx, frame)

		case "cancel":
			c.mu.Lock()
			if cancel, ok := c.inflight[frame.RequestID]; ok {
				cancel()
			}
			c.mu.Unlock()

		case "ack":
			c.mu.Lock()
			advanced := frame.Ack > c.lastAck
			if advanced {
				c.lastAck = frame.Ack
			}
			c.mu.Unlock()
			if advanced {
				c.stream.Ack(frame.Ack)
			}

		case "typing-indicator":
			// Relayed as presence so other participants see activity.
			payload, _ := json.Marshal(controlFrame{Type: "presence", SessionID: c.sessionID})
			select {
			case c.send <- payload:
			default:
			}

		default:
			c.srv.log.Debug("unknown frame type", "type", frame.Type)
		}
	}
}

// startRequest runs one message frame through the orchestrator in its own
// goroutine so the read pump keeps handling cancels.
func (c *wsConn) startRequest(ctx context.Context, frame clientFrame) {
	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.srv.timeout)
	deadline, _ := reqCtx.Deadline()

	c.mu.Lock()
	c.inflight[requestID] = cancel
	c.mu.Unlock()

	req := &core.Request{
		RequestID:   requestID,
		SessionID:   c.sessionID,
		TenantID:    c.tenant.TenantID,
		Intent:      frame.Intent,
		TargetTool:  frame.Tool,
		Deadline:    deadline,
		IsStreaming: true,
	}

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inflight, requestID)
			c.mu.Unlock()
		}()
		c.srv.dispatch(reqCtx, c.tenant, req, c.stream)
	}()
}
