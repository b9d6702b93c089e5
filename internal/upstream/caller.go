package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ocx/gateway/internal/circuit"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/metrics"
)

// Caller composes the resilience pipeline around the raw client:
// timeout, then retry, then breaker, then cache, then the call itself.
type Caller struct {
	client   ModelClient
	breakers *circuit.Manager
	retry    *circuit.RetryPolicy
	cache    *Cache // nil disables caching
	timeout  time.Duration
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewCaller builds the pipeline. cache and m may be nil.
func NewCaller(client ModelClient, breakers *circuit.Manager, retry *circuit.RetryPolicy, cache *Cache, defaultTimeout time.Duration, m *metrics.Metrics) *Caller {
	return &Caller{
		client:   client,
		breakers: breakers,
		retry:    retry,
		cache:    cache,
		timeout:  defaultTimeout,
		metrics:  m,
		now:      time.Now,
	}
}

// Invoke performs a unary call under the full pipeline. useCache enables
// the read-through cache for this call (flag-gated by the caller).
func (c *Caller) Invoke(ctx context.Context, tool core.Tool, req *core.Request, useCache bool) (json.RawMessage, error) {
	if useCache && c.cache != nil {
		if body, ok := c.cache.Get(ctx, tool.ToolID, req.Intent); ok {
			return body, nil
		}
	}

	var body json.RawMessage
	err := c.retry.Do(ctx, true, func(ctx context.Context) error {
		var attemptErr error
		body, attemptErr = c.attempt(ctx, tool, req)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	if useCache && c.cache != nil {
		c.cache.Put(ctx, tool.ToolID, req.Intent, body)
	}
	return body, nil
}

func (c *Caller) attempt(ctx context.Context, tool core.Tool, req *core.Request) (json.RawMessage, error) {
	breaker := c.breakers.Get(tool.ToolID)
	if err := breaker.Allow(); err != nil {
		return nil, breakerError(breaker, tool.ToolID, err)
	}

	// Effective deadline: min(request deadline, default upstream timeout).
	attemptCtx, cancel := context.WithDeadline(ctx, req.ChildDeadline(c.now(), c.timeout))
	defer cancel()

	start := c.now()
	body, err := c.client.Invoke(attemptCtx, tool, req)
	c.observe(tool.ToolID, start)

	breaker.Done(callSucceeded(err))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Stream opens a streaming call under breaker protection. No retry: once
// chunks may have been delivered, a replay would violate sequence ordering.
func (c *Caller) Stream(ctx context.Context, tool core.Tool, req *core.Request) (<-chan core.Chunk, error) {
	breaker := c.breakers.Get(tool.ToolID)
	if err := breaker.Allow(); err != nil {
		return nil, breakerError(breaker, tool.ToolID, err)
	}

	streamCtx, cancel := context.WithDeadline(ctx, req.Deadline)

	start := c.now()
	upstream, err := c.client.Stream(streamCtx, tool, req)
	if err != nil {
		cancel()
		c.observe(tool.ToolID, start)
		breaker.Done(callSucceeded(err))
		return nil, err
	}

	out := make(chan core.Chunk)
	go func() {
		defer close(out)
		defer cancel()

		sawError := false
		for chunk := range upstream {
			if chunk.Kind == core.ChunkError {
				sawError = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				breaker.Done(true) // consumer cancelled; the tool did not fail
				c.observe(tool.ToolID, start)
				return
			}
		}
		breaker.Done(!sawError)
		c.observe(tool.ToolID, start)
	}()
	return out, nil
}

func (c *Caller) observe(toolID string, start time.Time) {
	if c.metrics != nil {
		c.metrics.UpstreamLatency.WithLabelValues(toolID).Observe(c.now().Sub(start).Seconds())
	}
}

// breakerError translates breaker refusals. An open circuit is permanent
// for this attempt; a taken half-open trial slot carries the half-open
// hint so the retry layer may try once more shortly after.
func breakerError(b *circuit.Breaker, toolID string, err error) error {
	if errors.Is(err, circuit.ErrTrialInFlight) {
		return &core.Error{
			Kind:     core.KindToolUnavailable,
			Message:  "tool " + toolID + " is recovering",
			HalfOpen: true,
		}
	}
	return &core.Error{
		Kind:       core.KindToolUnavailable,
		Message:    "tool " + toolID + " circuit open",
		RetryAfter: b.RetryAfter(),
	}
}

// callSucceeded classifies the outcome for the breaker. Cancellation and
// permission-style failures are not upstream failures.
func callSucceeded(err error) bool {
	if err == nil {
		return true
	}
	switch core.KindOf(err) {
	case core.KindCancelled, core.KindBadRequest, core.KindUnauthenticated, core.KindPermissionDenied:
		return true
	}
	return false
}
