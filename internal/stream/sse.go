package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// ServeSSE drains the stream onto an HTTP response as server-sent events.
// One frame per event; the event name is the chunk kind. Returns when a
// terminal chunk is written, the client disconnects or the stream closes.
func (m *Manager) ServeSSE(ctx context.Context, w http.ResponseWriter, s *Stream, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error("response writer does not support flushing")
		m.Remove(s)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Resume-Token", s.ResumeToken)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client gone mid-stream: keep the stream resumable.
			m.Detach(s)
			return

		case <-s.Done():
			return

		case <-heartbeat.C:
			s.TryPublish(core.Chunk{Kind: core.ChunkHeartbeat})

		case chunk := <-s.Out():
			if err := writeSSEFrame(w, flusher, chunk); err != nil {
				log.Debug("sse write failed", "stream", s.ID, "err", err)
				m.Detach(s)
				return
			}
			m.CountChunk("sse")
			if chunk.Terminal() {
				m.Remove(s)
				return
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, chunk core.Chunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", chunk.Kind, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
