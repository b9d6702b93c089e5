// Package stream delivers ordered chunks to clients over SSE and
// WebSocket transports. A Stream owns the per-request sequence counter and
// a replay ring for resumption; transports attach to its outgoing queue.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/core"
)

// ErrStalled is reported when the client cannot drain the outgoing queue
// within the stall timeout.
var ErrStalled = core.E(core.KindTimeout, "client stalled")

// Ring retains the most recent chunks for resumption. Older entries are
// overwritten once the buffer wraps.
type Ring struct {
	mu     sync.Mutex
	chunks []core.Chunk
	size   int
	next   int
	count  int
}

// NewRing creates a ring holding up to size chunks.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{chunks: make([]core.Chunk, size), size: size}
}

// Append stores a chunk, evicting the oldest when full.
func (r *Ring) Append(c core.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks[r.next] = c
	r.next = (r.next + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// TrimThrough drops retained chunks with seq <= ack.
func (r *Ring) TrimThrough(ack uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count > 0 {
		start := (r.next - r.count + r.size) % r.size
		if r.chunks[start].Seq > ack {
			break
		}
		r.chunks[start] = core.Chunk{}
		r.count--
	}
}

// Since returns all retained chunks with seq > ack in order. ok is false
// when the gap exceeds the buffer: the chunk after ack was already evicted.
func (r *Ring) Since(ack uint64) ([]core.Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, true
	}

	start := (r.next - r.count + r.size) % r.size
	oldest := r.chunks[start].Seq
	if ack+1 < oldest {
		return nil, false
	}

	var out []core.Chunk
	for i := 0; i < r.count; i++ {
		c := r.chunks[(start+i)%r.size]
		if c.Seq > ack {
			out = append(out, c)
		}
	}
	return out, true
}

// Stream is one request's delivery pipe. Publish is called by the
// orchestrator; a transport drains Out. Backpressure is cooperative: a
// full queue blocks the publisher until the client drains or the stall
// timeout closes the stream.
type Stream struct {
	ID          string
	SessionID   string
	TenantID    string
	ResumeToken string

	ring         *Ring
	stallTimeout time.Duration

	mu          sync.Mutex
	seq         uint64
	out         chan core.Chunk
	swapped     chan struct{} // closed when a resume replaces out
	closed      bool
	closeReason string
	done        chan struct{}

	now func() time.Time
}

func newStream(sessionID, tenantID string, buffer, ringSize int, stallTimeout time.Duration) *Stream {
	return &Stream{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TenantID:     tenantID,
		ResumeToken:  uuid.NewString(),
		ring:         NewRing(ringSize),
		stallTimeout: stallTimeout,
		out:          make(chan core.Chunk, buffer),
		swapped:      make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}
}

// Publish assigns the next sequence number and queues the chunk. It blocks
// while the queue is full; if the client stays stalled past the stall
// timeout the stream is closed and ErrStalled returned.
func (s *Stream) Publish(ctx context.Context, c core.Chunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.E(core.KindCancelled, "stream closed")
	}
	s.seq++
	c.Seq = s.seq
	if c.TS.IsZero() {
		c.TS = s.now()
	}
	s.ring.Append(c)
	out := s.out
	swapped := s.swapped
	s.mu.Unlock()

	select {
	case out <- c:
		return nil
	default:
	}

	// Queue full: wait for the client, bounded by the stall timeout.
	timer := time.NewTimer(s.stallTimeout)
	defer timer.Stop()
	select {
	case out <- c:
		return nil
	case <-swapped:
		// A resume replaced the queue. The chunk is already in the ring and
		// was preloaded into the fresh queue by the replay.
		return nil
	case <-ctx.Done():
		return core.Wrap(core.KindCancelled, "publish interrupted", ctx.Err())
	case <-s.done:
		return core.E(core.KindCancelled, "stream closed")
	case <-timer.C:
		s.closeWith("stalled")
		return ErrStalled
	}
}

// TryPublish queues a chunk only if there is room; used for heartbeats,
// which must never add backpressure.
func (s *Stream) TryPublish(c core.Chunk) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.seq++
	c.Seq = s.seq
	if c.TS.IsZero() {
		c.TS = s.now()
	}
	s.ring.Append(c)
	out := s.out
	s.mu.Unlock()

	select {
	case out <- c:
		return true
	default:
		return false
	}
}

// Out is the transport-facing queue. After a resume it is a fresh channel;
// transports must re-acquire it.
func (s *Stream) Out() <-chan core.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// LastSeq returns the most recently assigned sequence number.
func (s *Stream) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Ack releases retained chunks up to and including seq from the replay
// ring; a later resume behind the ack reports resume-expired.
func (s *Stream) Ack(seq uint64) {
	s.ring.TrimThrough(seq)
}

// Done closes when the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close terminates delivery. Idempotent.
func (s *Stream) Close() {
	s.closeWith("")
}

// CloseReason reports why the stream closed: "stalled" after a stall
// timeout, empty otherwise.
func (s *Stream) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Stream) closeWith(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeReason = reason
	close(s.done)
}

// detachForResume swaps in a fresh outgoing queue preloaded with the
// retained chunks after ack. Returns false when the gap exceeds the ring.
func (s *Stream) detachForResume(ack uint64, buffer int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	replay, ok := s.ring.Since(ack)
	if !ok {
		return false
	}
	if buffer < len(replay) {
		buffer = len(replay)
	}

	fresh := make(chan core.Chunk, buffer)
	for _, c := range replay {
		fresh <- c
	}
	s.out = fresh

	// Release any publisher blocked on the abandoned queue.
	close(s.swapped)
	s.swapped = make(chan struct{})
	return true
}
