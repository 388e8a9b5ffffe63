package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/strandlabs/strand/pkg/models"
)

// SSEWriter serializes a response stream as text/event-stream frames for
// the outer collaborator. Each chunk becomes one event whose name reflects
// its payload kind.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and sends the headers. It
// fails when the underlying writer cannot flush incrementally.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// eventName picks the SSE event type for a chunk.
func eventName(chunk models.ResponseChunk) string {
	switch {
	case chunk.Done:
		return "done"
	case chunk.Progress != nil:
		return "progress"
	case chunk.Text != nil:
		return "text"
	case chunk.Tokens != nil:
		return "tokens"
	case chunk.Result != nil:
		return "result"
	default:
		return "message"
	}
}

// Write sends one chunk as an SSE frame and flushes it.
func (s *SSEWriter) Write(chunk models.ResponseChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName(chunk), payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Drain writes every chunk from stream until it closes or a write fails.
// A write failure means the client went away; remaining chunks are consumed
// so the producer can finish.
func (s *SSEWriter) Drain(stream <-chan models.ResponseChunk) error {
	var writeErr error
	for chunk := range stream {
		if writeErr != nil {
			continue
		}
		if err := s.Write(chunk); err != nil {
			writeErr = err
		}
	}
	return writeErr
}
