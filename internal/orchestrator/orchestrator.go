// Package orchestrator runs the per-request state machine: route planning,
// tool dispatch under the resilience pipeline, chunk aggregation with
// attribution, and session finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/flags"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/session"
	"github.com/ocx/gateway/internal/stream"
	"github.com/ocx/gateway/internal/tracing"
	"github.com/ocx/gateway/internal/upstream"
)

// state names the phases of the request state machine (logged, not stored).
type state string

const (
	stateReceived    state = "received"
	statePlanning    state = "planning"
	stateDispatching state = "dispatching"
	stateCalling     state = "calling"
	stateStreaming   state = "streaming"
	stateCompleting  state = "completing"
	stateFailed      state = "failed"
)

// route is the planning outcome.
type route struct {
	toolID string
	direct bool
}

// hopDirective is the payload of an upstream tool-hop chunk asking the
// gateway to consult a specialist.
type hopDirective struct {
	Tool   string `json:"tool"`
	Intent string `json:"intent"`
}

// Orchestrator owns requests from admission to completion.
type Orchestrator struct {
	cfg      config.OrchestraConfig
	flags    *flags.Evaluator
	registry *registry.Registry
	caller   *upstream.Caller
	sessions session.Store
	metrics  *metrics.Metrics
	log      *slog.Logger

	now func() time.Time
}

// New wires the orchestrator. m may be nil in tests.
func New(cfg config.OrchestraConfig, fl *flags.Evaluator, reg *registry.Registry, caller *upstream.Caller, sessions session.Store, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		flags:    fl,
		registry: reg,
		caller:   caller,
		sessions: sessions,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Invoke handles a unary request end to end.
func (o *Orchestrator) Invoke(ctx context.Context, tenant *core.Tenant, req *core.Request) (json.RawMessage, error) {
	if err := o.admit(ctx, req); err != nil {
		return nil, err
	}
	defer o.finalize(ctx, req)

	tool, err := o.resolve(ctx, tenant, req)
	if err != nil {
		return nil, err
	}

	callCtx, span := tracing.StartDispatchSpan(ctx, tool.ToolID)
	defer span.End()

	useCache := o.flags.Evaluate(flags.CacheEnabled, o.flagCtx(tenant))
	return o.caller.Invoke(callCtx, tool, req, useCache)
}

// Run handles a streaming request. It always ends the stream with exactly
// one terminal or error chunk; the error return is for the caller's logs.
func (o *Orchestrator) Run(ctx context.Context, tenant *core.Tenant, req *core.Request, s *stream.Stream) error {
	if err := o.admit(ctx, req); err != nil {
		o.fail(ctx, req, s, err)
		return err
	}
	defer o.finalize(ctx, req)

	tool, err := o.resolve(ctx, tenant, req)
	if err != nil {
		o.fail(ctx, req, s, err)
		return err
	}

	o.transition(req, stateCalling, tool.ToolID)
	streamCtx, span := tracing.StartSpan(ctx, "streaming", req.RequestID, req.TenantID)
	defer span.End()

	o.transition(req, stateStreaming, tool.ToolID)
	agg := &aggregator{o: o, tenant: tenant, req: req, stream: s}
	if err := agg.consume(streamCtx, tool, req, 0); err != nil {
		o.fail(streamCtx, req, s, err)
		return err
	}

	o.transition(req, stateCompleting, tool.ToolID)
	if !agg.terminated {
		if err := s.Publish(streamCtx, core.Chunk{Kind: core.ChunkTerminal, Producer: tool.ToolID}); err != nil {
			return err
		}
	}
	return nil
}

// admit tags the request and bumps the session's pending counter.
func (o *Orchestrator) admit(ctx context.Context, req *core.Request) error {
	o.transition(req, stateReceived, "")
	if req.Deadline.IsZero() {
		req.Deadline = o.now().Add(o.cfg.UpstreamTimeout)
	}
	if !req.Deadline.After(o.now()) {
		return core.E(core.KindBadRequest, "deadline already passed")
	}

	if o.metrics != nil {
		o.metrics.QueueDepth.Inc()
	}

	if req.SessionID != "" {
		err := o.sessions.Update(ctx, req.SessionID, func(s *core.Session) error {
			s.PendingRequests++
			s.LastActivityAt = o.now()
			return nil
		})
		if err != nil {
			if o.metrics != nil {
				o.metrics.QueueDepth.Dec()
			}
			return err
		}
	}
	return nil
}

// finalize releases admission-held resources.
func (o *Orchestrator) finalize(ctx context.Context, req *core.Request) {
	if o.metrics != nil {
		o.metrics.QueueDepth.Dec()
	}
	if req.SessionID == "" {
		return
	}
	err := o.sessions.Update(ctx, req.SessionID, func(s *core.Session) error {
		if s.PendingRequests > 0 {
			s.PendingRequests--
		}
		s.LastActivityAt = o.now()
		return nil
	})
	if err != nil {
		o.log.Warn("session finalize failed", "session", req.SessionID, "err", err)
	}
}

// resolve runs Planning and Dispatching: pick the route, then a live tool.
func (o *Orchestrator) resolve(ctx context.Context, tenant *core.Tenant, req *core.Request) (core.Tool, error) {
	o.transition(req, statePlanning, "")
	_, span := tracing.StartSpan(ctx, "planning", req.RequestID, req.TenantID)
	r := o.plan(tenant, req)
	span.End()

	o.transition(req, stateDispatching, r.toolID)
	return o.dispatch(tenant, req, r)
}

// plan decides the route from flags and the request's explicit target.
func (o *Orchestrator) plan(tenant *core.Tenant, req *core.Request) route {
	fctx := o.flagCtx(tenant)

	if o.flags.Evaluate(flags.SingleEntryPointMode, fctx) {
		return route{toolID: core.OrchestratorToolID}
	}
	if req.TargetTool != "" && o.flags.Evaluate(flags.EnableDirectToolAccess, fctx) {
		return route{toolID: req.TargetTool, direct: true}
	}
	return route{toolID: core.OrchestratorToolID}
}

// dispatch resolves the routed tool, applying the fallback policy when the
// orchestrator is down.
func (o *Orchestrator) dispatch(tenant *core.Tenant, req *core.Request, r route) (core.Tool, error) {
	tool, ok := o.registry.Get(r.toolID)
	if !ok {
		if r.direct {
			return core.Tool{}, core.E(core.KindBadRequest, "unknown tool "+r.toolID)
		}
		return core.Tool{}, o.unavailable()
	}
	if tool.Status == core.StatusHealthy {
		return tool, nil
	}
	if r.direct {
		// Explicitly addressed specialists get no fallback.
		if tool.Status == core.StatusDegraded {
			return tool, nil
		}
		return core.Tool{}, o.unavailable()
	}

	// Orchestrator route with an unhealthy orchestrator: bypass to the best
	// specialist when direct access is allowed, otherwise surface the outage.
	if o.flags.Evaluate(flags.EnableDirectToolAccess, o.flagCtx(tenant)) {
		if fallback, ok := o.registry.SelectDegraded("", registry.PolicyPriority); ok && fallback.ToolID != core.OrchestratorToolID {
			o.log.Info("orchestrator down, degraded bypass",
				"request", req.RequestID, "fallback", fallback.ToolID)
			return fallback, nil
		}
	}
	return core.Tool{}, o.unavailable()
}

func (o *Orchestrator) unavailable() error {
	return &core.Error{
		Kind:       core.KindToolUnavailable,
		Message:    "service_unavailable",
		RetryAfter: o.cfg.UpstreamTimeout / 2,
	}
}

// fail emits the terminal error chunk (Failed state).
func (o *Orchestrator) fail(ctx context.Context, req *core.Request, s *stream.Stream, err error) {
	o.transition(req, stateFailed, "")
	o.log.Warn("request failed", "request", req.RequestID, "kind", core.KindOf(err), "err", err)

	chunk := core.ErrorChunk(err, tracing.TraceID(ctx))
	if pubErr := s.Publish(ctx, chunk); pubErr != nil {
		s.TryPublish(chunk)
	}
}

func (o *Orchestrator) flagCtx(tenant *core.Tenant) flags.Context {
	return flags.Context{TenantID: tenant.TenantID, Now: o.now()}
}

func (o *Orchestrator) transition(req *core.Request, to state, toolID string) {
	o.log.Debug("request state", "request", req.RequestID, "state", string(to), "tool", toolID)
}

// aggregator forwards upstream chunks to the client stream, inserting
// attribution markers on producer change and following hop directives.
type aggregator struct {
	o      *Orchestrator
	tenant *core.Tenant
	req    *core.Request
	stream *stream.Stream

	lastProducer string
	terminated   bool
}

// consume streams one tool's output at the given hop depth, recursing into
// hop directives. Only depth 0 may forward the terminal chunk.
func (a *aggregator) consume(ctx context.Context, tool core.Tool, req *core.Request, depth int) error {
	chunks, err := a.o.caller.Stream(ctx, tool, req)
	if err != nil {
		return err
	}

	for chunk := range chunks {
		switch chunk.Kind {
		case core.ChunkError:
			// Drain remaining frames so the breaker sees the outcome.
			for range chunks {
			}
			return upstreamChunkError(chunk, tool.ToolID)

		case core.ChunkTerminal:
			if depth > 0 {
				continue // sub-call terminals stay internal
			}
			a.terminated = true
			if err := a.forward(ctx, chunk); err != nil {
				return err
			}

		case core.ChunkToolHop:
			if err := a.hop(ctx, chunk, depth); err != nil {
				return err
			}

		default:
			if err := a.forward(ctx, chunk); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// hop dispatches a child request to the specialist named in the directive.
func (a *aggregator) hop(ctx context.Context, chunk core.Chunk, depth int) error {
	var directive hopDirective
	if err := json.Unmarshal(chunk.Body, &directive); err != nil || directive.Tool == "" {
		// Not a directive: an attribution-style marker from the tool itself.
		return a.forward(ctx, chunk)
	}

	if depth+1 > a.o.cfg.MaxHopDepth {
		return core.E(core.KindBadRequest,
			fmt.Sprintf("hop depth %d exceeds cap %d", depth+1, a.o.cfg.MaxHopDepth))
	}

	tool, ok := a.o.registry.Get(directive.Tool)
	if !ok {
		return core.E(core.KindBadRequest, "unknown tool "+directive.Tool)
	}
	if tool.Status == core.StatusUnhealthy || tool.Status == core.StatusUnknown {
		return a.o.unavailable()
	}

	child := &core.Request{
		RequestID:   a.req.RequestID,
		SessionID:   a.req.SessionID,
		TenantID:    a.req.TenantID,
		Intent:      directive.Intent,
		Deadline:    a.req.ChildDeadline(a.o.now(), a.o.cfg.UpstreamTimeout),
		IsStreaming: true,
		HopDepth:    depth + 1,
	}

	callCtx, span := tracing.StartDispatchSpan(ctx, tool.ToolID)
	defer span.End()
	return a.consume(callCtx, tool, child, depth+1)
}

// forward publishes one chunk, preceded by an attribution marker whenever
// the producer changes and the flag is on.
func (a *aggregator) forward(ctx context.Context, chunk core.Chunk) error {
	if chunk.Producer != "" && chunk.Producer != a.lastProducer && chunk.Kind != core.ChunkHeartbeat {
		if a.lastProducer != "" && a.o.flags.Evaluate(flags.EmitAttribution, a.o.flagCtx(a.tenant)) {
			marker := core.Chunk{
				Kind:     core.ChunkToolHop,
				Producer: chunk.Producer,
				Body:     core.TextBody(a.o.attributionLine(chunk.Producer)),
			}
			if err := a.stream.Publish(ctx, marker); err != nil {
				return err
			}
		}
		a.lastProducer = chunk.Producer
	}
	return a.stream.Publish(ctx, chunk)
}

func (o *Orchestrator) attributionLine(producer string) string {
	return fmt.Sprintf(o.flags.Payload(flags.AttributionFormat), producer)
}

// upstreamChunkError converts a tool's error frame into a gateway error.
func upstreamChunkError(chunk core.Chunk, toolID string) error {
	var body core.ErrorBody
	if err := json.Unmarshal(chunk.Body, &body); err == nil && body.Kind != "" {
		return &core.Error{
			Kind:       body.Kind,
			Message:    body.Message,
			RetryAfter: time.Duration(body.RetryAfter * float64(time.Second)),
		}
	}
	return core.Transient(core.KindUpstreamError, "tool "+toolID+" reported an error", nil)
}
