package wsstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teaspoon-world/tmcp-go/duplex"
	"github.com/teaspoon-world/tmcp-go/identity"
	"github.com/teaspoon-world/tmcp-go/internal/jsonrpc"
	"github.com/teaspoon-world/tmcp-go/internal/logctx"
	"github.com/teaspoon-world/tmcp-go/internal/sessionregistry"
	"github.com/teaspoon-world/tmcp-go/securechannel"
	"github.com/teaspoon-world/tmcp-go/transportsecurity"
)

const (
	defaultWriteTimeout = 30 * time.Second
	maxFrameBytes       = 16 * 1024 * 1024
)

// SessionFunc is invoked once per accepted socket, on its own goroutine. It
// owns the pair for the lifetime of the session; the pair is closed when the
// socket or ctx ends.
type SessionFunc func(ctx context.Context, peerDID string, pair *duplex.Pair)

// Handler serves the WebSocket duplex transport for one local identity.
type Handler struct {
	manager      *identity.Manager
	session      SessionFunc
	validator    *transportsecurity.Validator
	registry     *sessionregistry.Registry
	writeTimeout time.Duration
	log          *slog.Logger
	upgrader     websocket.Upgrader
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithSecuritySettings sets the request validation policy applied before
// the upgrade. Protection is disabled by default.
func WithSecuritySettings(s transportsecurity.Settings) HandlerOption {
	return func(h *Handler) {
		h.validator = transportsecurity.NewValidator(s, transportsecurity.WithLogger(h.log))
	}
}

// WithWriteTimeout bounds each frame write. Default 30 seconds.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.writeTimeout = d }
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
		manager:      manager,
		session:      session,
		registry:     sessionregistry.New(),
		writeTimeout: defaultWriteTimeout,
		log:          slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.validator == nil {
		h.validator = transportsecurity.NewValidator(transportsecurity.Settings{}, transportsecurity.WithLogger(h.log))
	}

	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{Subprotocol},
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		// Origin policy is enforced by the validator before the upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return h, nil
}

// Sessions reports the number of live sockets. Intended for tests and
// operational checks.
func (h *Handler) Sessions() int {
	return h.registry.Len()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if rerr := h.validator.ValidateRequest(r, false); rerr != nil {
		h.log.WarnContext(ctx, "ws.request.rejected", slog.String("reason", rerr.Message))
		rerr.Write(w)
		return
	}

	peerDID := r.URL.Query().Get("did")
	if peerDID == "" {
		http.Error(w, "did query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.manager.Connect(ctx, peerDID)
	if err != nil {
		h.log.WarnContext(ctx, "ws.connect.fail", slog.String("peer_did", peerDID), slog.String("err", err.Error()))
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
		Transport: "websocket",
	})

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer ws.Close()

	if ws.Subprotocol() != Subprotocol {
		h.log.WarnContext(ctx, "ws.subprotocol.mismatch", slog.String("got", ws.Subprotocol()))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol required"),
			time.Now().Add(h.writeTimeout))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

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

	// Closing the socket when the scope ends unblocks the pending read.
	go func() {
		<-sctx.Done()
		ws.Close()
	}()

	go h.writeFrames(sctx, cancel, ws, conn, pair)
	h.log.InfoContext(ctx, "session.open")

	h.readFrames(sctx, ws, conn, pair)
	h.log.InfoContext(ctx, "session.close")
}

// writeFrames drains the outbound queue, sealing each message into one text
// frame.
func (h *Handler) writeFrames(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *identity.Connection, pair *duplex.Pair) {
	defer cancel()

	for {
		raw, err := pair.Outbound.Recv(ctx)
		if err != nil {
			return
		}

		sealed, err := conn.Seal(raw)
		if err != nil {
			h.log.ErrorContext(ctx, "ws.seal.fail", slog.String("err", err.Error()))
			return
		}

		_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, []byte(sealed)); err != nil {
			h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// readFrames pumps inbound frames until the socket or scope ends. Frames
// addressed to someone else are dropped; frames that fail to decode or
// parse are forwarded as error values without ending the session.
func (h *Handler) readFrames(ctx context.Context, ws *websocket.Conn, conn *identity.Connection, pair *duplex.Pair) {
	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			h.forwardError(ctx, pair, fmt.Errorf("unexpected frame type %d", kind))
			continue
		}

		wire := string(frame)
		cipher, err := base64.URLEncoding.DecodeString(wire)
		if err != nil {
			h.forwardError(ctx, pair, fmt.Errorf("decode frame: %w: %v", securechannel.ErrEnvelopeDecode, err))
			continue
		}
		_, receiver, err := h.manager.Provider().Peek(cipher)
		if err != nil {
			h.forwardError(ctx, pair, fmt.Errorf("peek frame: %w", err))
			continue
		}
		if receiver != h.manager.DID() {
			h.log.WarnContext(ctx, "ws.receiver.mismatch", slog.String("receiver", receiver))
			continue
		}

		payload, err := conn.Open(wire)
		if err != nil {
			h.forwardError(ctx, pair, err)
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.forwardError(ctx, pair, fmt.Errorf("parse message: %w", err))
			continue
		}

		if err := pair.Inbound.Send(ctx, duplex.Message{Raw: json.RawMessage(payload)}); err != nil {
			return
		}
	}
}

func (h *Handler) forwardError(ctx context.Context, pair *duplex.Pair, err error) {
	if serr := pair.Inbound.Send(ctx, duplex.Message{Err: err}); serr != nil {
		h.log.InfoContext(ctx, "ws.error.drop", slog.String("err", err.Error()))
	}
}
