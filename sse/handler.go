package sse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teaspoon-world/tmcp-go/duplex"
	"github.com/teaspoon-world/tmcp-go/identity"
	"github.com/teaspoon-world/tmcp-go/internal/jsonrpc"
	"github.com/teaspoon-world/tmcp-go/internal/logctx"
	"github.com/teaspoon-world/tmcp-go/internal/sessionregistry"
	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/transportsecurity"
)

const (
	defaultSSEPath     = "/sse"
	defaultMessagePath = "/messages"
	defaultIdleTimeout = 5 * time.Minute
	maxPostBodyBytes   = 4 * 1024 * 1024
)

// SessionFunc is invoked once per established stream, on its own goroutine.
// It owns the pair for the lifetime of the session: messages from the peer
// arrive on pair.Inbound, messages written to pair.Outbound are sealed and
// streamed back. The pair is closed when ctx ends.
type SessionFunc func(ctx context.Context, peerDID string, pair *duplex.Pair)

// Handler serves the SSE duplex transport for one local identity. It mounts
// two routes: a GET route opening the event stream and a POST route
// receiving sealed messages for established sessions.
type Handler struct {
	manager     *identity.Manager
	session     SessionFunc
	validator   *transportsecurity.Validator
	registry    *sessionregistry.Registry
	ssePath     string
	messagePath string
	mountPrefix string
	idleTimeout time.Duration
	log         *slog.Logger
	mux         *http.ServeMux
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithSSEPath sets the GET route for opening streams. Default "/sse".
func WithSSEPath(p string) HandlerOption {
	return func(h *Handler) { h.ssePath = p }
}

// WithMessagePath sets the POST route for inbound messages. Default
// "/messages".
func WithMessagePath(p string) HandlerOption {
	return func(h *Handler) { h.messagePath = p }
}

// WithMountPrefix sets the path prefix under which the handler is mounted,
// so that advertised callback paths are absolute from the server root.
func WithMountPrefix(prefix string) HandlerOption {
	return func(h *Handler) { h.mountPrefix = prefix }
}

// WithSecuritySettings sets the request validation policy. Protection is
// disabled by default; use transportsecurity.LocalSettings for local
// development defaults.
func WithSecuritySettings(s transportsecurity.Settings) HandlerOption {
	return func(h *Handler) {
		h.validator = transportsecurity.NewValidator(s, transportsecurity.WithLogger(h.log))
	}
}

// WithIdleTimeout sets how long a stream may sit with no outbound traffic
// before the server closes it. Default 5 minutes.
func WithIdleTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.idleTimeout = d }
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = slog.New(logctx.Handler{Handler: l.Handler()}) }
}

// NewHandler builds the transport handler around an identity manager and a
// per-session callback.
func NewHandler(manager *identity.Manager, session SessionFunc, opts ...HandlerOption) (*Handler, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if session == nil {
		return nil, errors.New("session func is required")
	}

	h := &Handler{
		manager:     manager,
		session:     session,
		registry:    sessionregistry.New(),
		ssePath:     defaultSSEPath,
		messagePath: defaultMessagePath,
		idleTimeout: defaultIdleTimeout,
		log:         slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.validator == nil {
		h.validator = transportsecurity.NewValidator(transportsecurity.Settings{}, transportsecurity.WithLogger(h.log))
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.ssePath), h.serveSSE)
	h.mux.HandleFunc(fmt.Sprintf("POST %s", h.messagePath), h.servePostMessage)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Sessions reports the number of live streams. Intended for tests and
// operational checks.
func (h *Handler) Sessions() int {
	return h.registry.Len()
}

// callbackPath is the absolute path peers must post sealed messages to,
// percent-encoded and including any mount prefix.
func (h *Handler) callbackPath() string {
	u := url.URL{Path: path.Join("/", h.mountPrefix, h.messagePath)}
	return u.EscapedPath()
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if rerr := h.validator.ValidateRequest(r, false); rerr != nil {
		h.log.WarnContext(ctx, "sse.request.rejected", slog.String("reason", rerr.Message))
		rerr.Write(w)
		return
	}

	peerDID := r.URL.Query().Get("did")
	if peerDID == "" {
		http.Error(w, "did query parameter is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	conn, err := h.manager.Connect(ctx, peerDID)
	if err != nil {
		h.log.WarnContext(ctx, "sse.connect.fail", slog.String("peer_did", peerDID), slog.String("err", err.Error()))
		if errors.Is(err, securechannel.ErrIdentityNotFound) {
			http.Error(w, "unknown peer identity", http.StatusBadRequest)
		} else {
			http.Error(w, "peer identity could not be verified", http.StatusBadGateway)
		}
		return
	}

	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{
		LocalDID:  conn.LocalDID(),
		PeerDID:   conn.PeerDID(),
		Transport: "sse",
	})

	pair := duplex.NewPair()
	if replaced := h.registry.Register(peerDID, pair.Inbound); replaced != nil {
		h.log.InfoContext(ctx, "session.replace")
		replaced.Close()
	}
	defer func() {
		h.registry.Deregister(peerDID, pair.Inbound)
		pair.Close()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		h.session(sctx, peerDID, pair)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: sctx}

	inner, err := encodeEvent(EventEndpoint, h.callbackPath())
	if err != nil {
		h.log.ErrorContext(ctx, "sse.endpoint.encode.fail", slog.String("err", err.Error()))
		return
	}
	sealed, err := conn.Seal(inner)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.endpoint.seal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, sealed); err != nil {
		h.log.InfoContext(ctx, "sse.stream.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.open")

	for {
		rctx, rcancel := context.WithTimeout(sctx, h.idleTimeout)
		raw, err := pair.Outbound.Recv(rctx)
		rcancel()
		if err != nil {
			switch {
			case errors.Is(err, duplex.ErrClosed):
				h.log.InfoContext(ctx, "session.close")
			case errors.Is(err, context.DeadlineExceeded) && sctx.Err() == nil:
				h.log.InfoContext(ctx, "session.idle.timeout")
			default:
				h.log.InfoContext(ctx, "session.end", slog.String("err", err.Error()))
			}
			return
		}

		inner, err := encodeEvent(EventMessage, string(raw))
		if err != nil {
			h.log.ErrorContext(ctx, "sse.message.encode.fail", slog.String("err", err.Error()))
			continue
		}
		sealed, err := conn.Seal(inner)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.message.seal.fail", slog.String("err", err.Error()))
			continue
		}
		if err := writeSSEEvent(wf, sealed); err != nil {
			h.log.InfoContext(ctx, "sse.stream.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) servePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if rerr := h.validator.ValidateRequest(r, true); rerr != nil {
		h.log.WarnContext(ctx, "post.request.rejected", slog.String("reason", rerr.Message))
		rerr.Write(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBodyBytes))
	if err != nil {
		http.Error(w, "Could not read request body", http.StatusBadRequest)
		return
	}
	wire := strings.TrimSpace(string(body))

	cipher, err := base64.URLEncoding.DecodeString(wire)
	if err != nil {
		http.Error(w, "Malformed envelope", http.StatusBadRequest)
		return
	}
	sender, receiver, err := h.manager.Provider().Peek(cipher)
	if err != nil {
		http.Error(w, "Malformed envelope", http.StatusBadRequest)
		return
	}

	if receiver != h.manager.DID() {
		h.log.WarnContext(ctx, "post.receiver.mismatch",
			slog.String("receiver", receiver),
			slog.String("sender", sender))
		http.Error(w, "Incorrect receiver", http.StatusBadRequest)
		return
	}

	conn, err := h.manager.Connect(ctx, sender)
	if err != nil {
		h.log.WarnContext(ctx, "post.sender.verify.fail", slog.String("sender", sender), slog.String("err", err.Error()))
		http.Error(w, "Unknown sender", http.StatusBadRequest)
		return
	}

	payload, err := conn.Open(wire)
	if err != nil {
		http.Error(w, "Could not open envelope", http.StatusBadRequest)
		return
	}

	handle, ok := h.registry.Lookup(sender)
	if !ok {
		h.log.WarnContext(ctx, "post.session.miss", slog.String("sender", sender))
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	// The response must reach the poster before the rendezvous hand-off:
	// delivery blocks until the session consumer receives, and the poster
	// is acknowledged regardless of when that happens. The detached
	// context keeps a poster disconnect from dropping an acknowledged
	// message; closing the session handle still releases the send.
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		http.Error(w, "Could not parse message", http.StatusBadRequest)
		flushResponse(w)
		if serr := handle.Send(context.WithoutCancel(ctx), duplex.Message{Err: fmt.Errorf("parse message: %w", err)}); serr != nil {
			h.log.InfoContext(ctx, "post.deliver.fail", slog.String("err", serr.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
	flushResponse(w)

	if err := handle.Send(context.WithoutCancel(ctx), duplex.Message{Raw: json.RawMessage(payload)}); err != nil {
		h.log.InfoContext(ctx, "post.deliver.fail", slog.String("err", err.Error()))
	}
}

func flushResponse(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
