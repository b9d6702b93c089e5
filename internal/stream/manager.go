package stream

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/metrics"
)

// resumeRetention bounds how long a detached stream stays resumable.
const resumeRetention = 5 * time.Minute

type entry struct {
	stream     *Stream
	detachedAt time.Time // zero while a transport is attached
}

// Manager tracks open streams, hands out resume tokens and drains
// everything on shutdown.
type Manager struct {
	cfg     config.StreamingConfig
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*entry // resume token → entry
}

// NewManager builds the stream manager. m may be nil in tests.
func NewManager(cfg config.StreamingConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		metrics: m,
		streams: make(map[string]*entry),
	}
}

// Open creates a stream for a request and registers its resume token.
func (m *Manager) Open(sessionID, tenantID string) *Stream {
	s := newStream(sessionID, tenantID, m.cfg.SendBuffer, m.cfg.ResumeBufferSize, m.cfg.StallTimeout)

	m.mu.Lock()
	m.streams[s.ResumeToken] = &entry{stream: s}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OpenStreams.Inc()
	}
	return s
}

// Detach records a client disconnect. The stream stays resumable until the
// retention window passes or the ring gap grows too large.
func (m *Manager) Detach(s *Stream) {
	m.mu.Lock()
	if e, ok := m.streams[s.ResumeToken]; ok {
		e.detachedAt = time.Now()
	}
	m.mu.Unlock()
}

// Resume reattaches a client. The returned stream's Out() starts with the
// replayed chunks after ack. A missing token or an over-large gap yields a
// resume-expired error.
func (m *Manager) Resume(token string, ack uint64) (*Stream, error) {
	m.mu.Lock()
	e, ok := m.streams[token]
	m.mu.Unlock()

	if !ok {
		return nil, core.E(core.KindBadRequest, "resume-expired")
	}
	if !e.stream.detachForResume(ack, m.cfg.SendBuffer) {
		m.Remove(e.stream)
		return nil, core.E(core.KindBadRequest, "resume-expired")
	}

	m.mu.Lock()
	e.detachedAt = time.Time{}
	m.mu.Unlock()
	return e.stream, nil
}

// Remove drops a finished stream.
func (m *Manager) Remove(s *Stream) {
	m.mu.Lock()
	_, present := m.streams[s.ResumeToken]
	delete(m.streams, s.ResumeToken)
	m.mu.Unlock()

	s.Close()
	if present && m.metrics != nil {
		m.metrics.OpenStreams.Dec()
	}
}

// OpenCount reports streams currently tracked (health endpoint).
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Sweep drops detached streams past the resume retention window. Run
// periodically by the lifecycle controller.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-resumeRetention)

	m.mu.Lock()
	var stale []*Stream
	for _, e := range m.streams {
		if !e.detachedAt.IsZero() && e.detachedAt.Before(cutoff) {
			stale = append(stale, e.stream)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.Remove(s)
	}
	return len(stale)
}

// DrainAll emits a terminal shutdown frame on every open stream and closes
// them, bounded by the drain deadline. Returns when all streams are closed
// or the deadline passes.
func (m *Manager) DrainAll(ctx context.Context, deadline time.Duration) {
	m.mu.Lock()
	open := make([]*Stream, 0, len(m.streams))
	for _, e := range m.streams {
		open = append(open, e.stream)
	}
	m.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.TryPublish(core.Chunk{
				Kind: core.ChunkTerminal,
				Body: core.TextBody("shutdown"),
			})
			select {
			case <-s.Done():
			case <-drainCtx.Done():
			}
			m.Remove(s)
		}(s)
	}
	wg.Wait()
}

// CountChunk records a delivered chunk for metrics.
func (m *Manager) CountChunk(transport string) {
	if m.metrics != nil {
		m.metrics.ChunksEmitted.WithLabelValues(transport).Inc()
	}
}
