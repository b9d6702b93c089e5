package core

import (
	"encoding/json"
	"time"
)

// ChunkKind classifies one unit of streamed output.
type ChunkKind string

const (
	ChunkToken     ChunkKind = "token"
	ChunkProgress  ChunkKind = "progress"
	ChunkToolHop   ChunkKind = "tool-hop"
	ChunkHeartbeat ChunkKind = "heartbeat"
	ChunkTerminal  ChunkKind = "terminal"
	ChunkError     ChunkKind = "error"
)

// Chunk is one frame of streamed output. Seq is assigned by the per-request
// sequencer at delivery time; producers emit chunks with Seq zero. Binary
// bodies (audio) are base64-encoded JSON strings with BodyEncoding set.
type Chunk struct {
	Seq          uint64          `json:"seq"`
	Kind         ChunkKind       `json:"kind"`
	Producer     string          `json:"producer,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	BodyEncoding string          `json:"body_encoding,omitempty"` // "base64" when Body holds binary data
	TS           time.Time       `json:"ts"`
}

// Terminal reports whether the chunk ends the stream.
func (c *Chunk) Terminal() bool {
	return c.Kind == ChunkTerminal || c.Kind == ChunkError
}

// ErrorBody is the payload of an error chunk.
type ErrorBody struct {
	Kind       Kind    `json:"kind"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
	TraceID    string  `json:"trace_id,omitempty"`
}

// TextBody wraps a plain string as a JSON chunk body.
func TextBody(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ErrorChunk builds the terminal error frame for err.
func ErrorChunk(err error, traceID string) Chunk {
	body := ErrorBody{
		Kind:    KindOf(err),
		Message: MessageOf(err),
		TraceID: traceID,
	}
	if ra := RetryAfterOf(err); ra > 0 {
		body.RetryAfter = ra.Seconds()
	}
	payload, _ := json.Marshal(body)
	return Chunk{Kind: ChunkError, Body: payload, TS: time.Now()}
}
