// Package sse implements the server-push duplex transport: a long-lived
// event stream from server to client, paired with out-of-band HTTP posts
// from client to server. Every event and post crossing the wire is a sealed
// envelope addressed by DID; the server multiplexes many peers through a
// session registry keyed by peer identity.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// EventKind is the closed set of session event variants carried inside
// sealed stream events.
type EventKind uint8

const (
	// EventEndpoint is the first event on a stream: the sealed callback
	// path the peer must post messages to.
	EventEndpoint EventKind = iota + 1
	// EventMessage carries one sealed application message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventEndpoint:
		return "endpoint"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// streamEvent is the cleartext shape sealed into each SSE event.
type streamEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

func encodeEvent(kind EventKind, data string) ([]byte, error) {
	switch kind {
	case EventEndpoint, EventMessage:
		return json.Marshal(streamEvent{Event: kind.String(), Data: data})
	default:
		return nil, fmt.Errorf("unknown event kind %v", kind)
	}
}

func decodeEvent(b []byte) (EventKind, string, error) {
	var ev streamEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return 0, "", fmt.Errorf("decode stream event: %w", err)
	}
	switch ev.Event {
	case "endpoint":
		return EventEndpoint, ev.Data, nil
	case "message":
		return EventMessage, ev.Data, nil
	default:
		return 0, "", fmt.Errorf("unknown stream event %q", ev.Event)
	}
}

// lockedWriteFlusher serializes concurrent writes/flushes to a streaming
// response and refuses to write after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame carrying a sealed
// envelope and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, sealed string) error {
	if _, err := fmt.Fprintf(wf, "event: message\ndata: %s\n\n", sealed); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	wf.Flush()
	return nil
}
