package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teaspoon-world/tmcp-go/duplex"
	"github.com/teaspoon-world/tmcp-go/identity"
	"github.com/teaspoon-world/tmcp-go/internal/jsonrpc"
	"github.com/teaspoon-world/tmcp-go/internal/logctx"
)

// ErrNotWebSocketEndpoint means the peer's published transport endpoint
// does not speak this transport.
var ErrNotWebSocketEndpoint = errors.New("wsstream: peer endpoint is not a WebSocket endpoint")

// ErrSubprotocolMismatch means the server did not negotiate the expected
// subprotocol.
var ErrSubprotocolMismatch = errors.New("wsstream: server did not accept subprotocol " + Subprotocol)

type clientConfig struct {
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration
	log            *slog.Logger
}

// ClientOption configures Connect.
type ClientOption func(*clientConfig)

// WithDialer supplies a custom dialer. The subprotocol is set on it before
// dialing.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(cc *clientConfig) { cc.dialer = d }
}

// WithConnectTimeout bounds the handshake. Default 30 seconds.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(cc *clientConfig) { cc.connectTimeout = d }
}

// WithClientWriteTimeout bounds each frame write. Default 30 seconds.
func WithClientWriteTimeout(d time.Duration) ClientOption {
	return func(cc *clientConfig) { cc.writeTimeout = d }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cc *clientConfig) { cc.log = slog.New(logctx.Handler{Handler: l.Handler()}) }
}

// Connect resolves serverDID, dials its WebSocket endpoint and returns the
// duplex pair for the session. The pair stays open until ctx is canceled or
// the socket fails; frames that fail to open or parse are forwarded as
// error values on pair.Inbound without ending the session.
func Connect(ctx context.Context, manager *identity.Manager, serverDID string, opts ...ClientOption) (*duplex.Pair, error) {
	cc := &clientConfig{
		connectTimeout: 30 * time.Second,
		writeTimeout:   defaultWriteTimeout,
		log:            slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.dialer == nil {
		cc.dialer = &websocket.Dialer{}
	}
	cc.dialer.Subprotocols = []string{Subprotocol}
	cc.dialer.HandshakeTimeout = cc.connectTimeout

	conn, err := manager.Connect(ctx, serverDID)
	if err != nil {
		return nil, err
	}

	endpoint, err := manager.ResolveEndpoint(ctx, serverDID, true)
	if err != nil {
		return nil, err
	}
	dialURL, err := wsEndpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{
		LocalDID:  conn.LocalDID(),
		PeerDID:   conn.PeerDID(),
		Transport: "websocket",
	})

	ws, resp, err := cc.dialer.DialContext(ctx, dialURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dialURL.Host, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, ErrSubprotocolMismatch
	}
	ws.SetReadLimit(maxFrameBytes)

	pair := duplex.NewPair()
	sctx, cancel := context.WithCancel(ctx)

	go func() {
		<-sctx.Done()
		ws.Close()
		pair.Close()
	}()

	go clientReadFrames(sctx, cancel, cc, ws, conn, pair)
	go clientWriteFrames(sctx, cancel, cc, ws, conn, pair)

	return pair, nil
}

// wsEndpointURL maps the published transport scheme to WebSocket.
func wsEndpointURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNotWebSocketEndpoint, u.Scheme)
	}
	return u, nil
}

func clientReadFrames(ctx context.Context, cancel context.CancelFunc, cc *clientConfig, ws *websocket.Conn, conn *identity.Connection, pair *duplex.Pair) {
	defer cancel()

	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cc.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			clientForwardError(ctx, cc, pair, fmt.Errorf("unexpected frame type %d", kind))
			continue
		}

		payload, err := conn.Open(string(frame))
		if err != nil {
			clientForwardError(ctx, cc, pair, err)
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			clientForwardError(ctx, cc, pair, fmt.Errorf("parse message: %w", err))
			continue
		}

		if err := pair.Inbound.Send(ctx, duplex.Message{Raw: json.RawMessage(payload)}); err != nil {
			return
		}
	}
}

func clientWriteFrames(ctx context.Context, cancel context.CancelFunc, cc *clientConfig, ws *websocket.Conn, conn *identity.Connection, pair *duplex.Pair) {
	defer cancel()

	for {
		raw, err := pair.Outbound.Recv(ctx)
		if err != nil {
			return
		}

		sealed, err := conn.Seal(raw)
		if err != nil {
			cc.log.ErrorContext(ctx, "ws.seal.fail", slog.String("err", err.Error()))
			return
		}

		_ = ws.SetWriteDeadline(time.Now().Add(cc.writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, []byte(sealed)); err != nil {
			cc.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func clientForwardError(ctx context.Context, cc *clientConfig, pair *duplex.Pair, err error) {
	if serr := pair.Inbound.Send(ctx, duplex.Message{Err: err}); serr != nil {
		cc.log.InfoContext(ctx, "ws.error.drop", slog.String("err", err.Error()))
	}
}
