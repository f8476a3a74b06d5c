package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teaspoon-world/tmcp-go/duplex"
	"github.com/teaspoon-world/tmcp-go/identity"
	"github.com/teaspoon-world/tmcp-go/internal/jsonrpc"
	"github.com/teaspoon-world/tmcp-go/internal/logctx"
)

// ErrEndpointOriginMismatch means the server advertised a callback endpoint
// on a different origin than the stream itself. The connection is refused.
var ErrEndpointOriginMismatch = errors.New("sse: endpoint origin does not match stream origin")

// ErrNotSSEEndpoint means the peer's published transport endpoint does not
// speak this transport.
var ErrNotSSEEndpoint = errors.New("sse: peer endpoint is not an SSE endpoint")

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 5 * time.Minute
)

type clientConfig struct {
	httpClient     *http.Client
	connectTimeout time.Duration
	readTimeout    time.Duration
	log            *slog.Logger
}

// ClientOption configures Connect.
type ClientOption func(*clientConfig)

// WithHTTPClient supplies the client used for the stream and for message
// posts. It must not have an overall Timeout: the stream is long-lived.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cc *clientConfig) { cc.httpClient = c }
}

// WithConnectTimeout bounds how long Connect waits for the stream to open
// and the endpoint event to arrive. Default 30 seconds.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(cc *clientConfig) { cc.connectTimeout = d }
}

// WithReadTimeout bounds how long the stream may stay silent before the
// client tears it down. Default 5 minutes.
func WithReadTimeout(d time.Duration) ClientOption {
	return func(cc *clientConfig) { cc.readTimeout = d }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cc *clientConfig) { cc.log = slog.New(logctx.Handler{Handler: l.Handler()}) }
}

// Connect resolves serverDID, opens the event stream, waits for the sealed
// endpoint event and returns the duplex pair for the session. The pair stays
// open until ctx is canceled or the stream fails; decode and parse failures
// of individual events are forwarded as error values on pair.Inbound without
// ending the session.
func Connect(ctx context.Context, manager *identity.Manager, serverDID string, opts ...ClientOption) (*duplex.Pair, error) {
	cc := &clientConfig{
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultReadTimeout,
		log:            slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.httpClient == nil {
		cc.httpClient = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cc.connectTimeout},
		}
	}

	conn, err := manager.Connect(ctx, serverDID)
	if err != nil {
		return nil, err
	}

	endpoint, err := manager.ResolveEndpoint(ctx, serverDID, true)
	if err != nil {
		return nil, err
	}
	streamURL, err := sseEndpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{
		LocalDID:  conn.LocalDID(),
		PeerDID:   conn.PeerDID(),
		Transport: "sse",
	})

	sctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := cc.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	pair := duplex.NewPair()

	r := &streamReader{
		conn:    conn,
		pair:    pair,
		base:    streamURL,
		timeout: cc.readTimeout,
		cancel:  cancel,
		log:     cc.log,
	}

	endpointCh := make(chan *url.URL, 1)
	errCh := make(chan error, 1)
	go r.run(sctx, resp.Body, endpointCh, errCh)

	connectTimer := time.NewTimer(cc.connectTimeout)
	defer connectTimer.Stop()

	var postURL *url.URL
	select {
	case postURL = <-endpointCh:
	case err := <-errCh:
		cancel()
		resp.Body.Close()
		pair.Close()
		return nil, err
	case <-connectTimer.C:
		cancel()
		resp.Body.Close()
		pair.Close()
		return nil, errors.New("sse: timed out waiting for endpoint event")
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		pair.Close()
		return nil, ctx.Err()
	}

	go writeLoop(sctx, cancel, cc, conn, postURL.String(), pair)

	go func() {
		<-sctx.Done()
		resp.Body.Close()
		pair.Close()
	}()

	return pair, nil
}

// sseEndpointURL maps the published transport scheme to HTTP.
func sseEndpointURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "sse", "http":
		u.Scheme = "http"
	case "sses", "https":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNotSSEEndpoint, u.Scheme)
	}
	return u, nil
}

// streamReader consumes the event stream: parses SSE framing, opens each
// sealed event and routes it as either the endpoint announcement or an
// application message.
type streamReader struct {
	conn    *identity.Connection
	pair    *duplex.Pair
	base    *url.URL
	timeout time.Duration
	cancel  context.CancelFunc
	log     *slog.Logger

	gotEndpoint bool
}

func (r *streamReader) run(ctx context.Context, body io.Reader, endpointCh chan<- *url.URL, errCh chan<- error) {
	defer r.cancel()

	// The watchdog closes the response body via cancel, which unblocks
	// the scanner's pending read.
	watchdog := time.AfterFunc(r.timeout, func() {
		r.log.InfoContext(ctx, "sse.read.timeout")
		r.cancel()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data []string
	for scanner.Scan() {
		watchdog.Reset(r.timeout)
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				r.dispatch(ctx, strings.Join(data, "\n"), endpointCh, errCh)
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event/id/retry fields and comments carry no routing
			// information here; the inner event kind is sealed.
		}

		if ctx.Err() != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.log.InfoContext(ctx, "sse.stream.read.fail", slog.String("err", err.Error()))
	}
	r.fail(ctx, errors.New("sse: stream ended"), errCh)
}

// fail reports a stream-fatal error: before the endpoint event it aborts
// Connect, afterwards it just ends the session.
func (r *streamReader) fail(ctx context.Context, err error, errCh chan<- error) {
	if !r.gotEndpoint {
		select {
		case errCh <- err:
		default:
		}
		return
	}
	r.log.InfoContext(ctx, "session.end", slog.String("err", err.Error()))
	r.cancel()
}

// forward delivers an event-scoped failure as an inbound error value. Before
// the endpoint event such failures are fatal instead: nothing useful can be
// delivered on a session that never opened.
func (r *streamReader) forward(ctx context.Context, err error, errCh chan<- error) {
	if !r.gotEndpoint {
		r.fail(ctx, err, errCh)
		return
	}
	if serr := r.pair.Inbound.Send(ctx, duplex.Message{Err: err}); serr != nil {
		r.log.InfoContext(ctx, "sse.event.error.drop", slog.String("err", err.Error()))
	}
}

func (r *streamReader) dispatch(ctx context.Context, sealed string, endpointCh chan<- *url.URL, errCh chan<- error) {
	payload, err := r.conn.Open(sealed)
	if err != nil {
		r.forward(ctx, err, errCh)
		return
	}
	kind, data, err := decodeEvent(payload)
	if err != nil {
		r.forward(ctx, err, errCh)
		return
	}

	switch kind {
	case EventEndpoint:
		if r.gotEndpoint {
			r.log.WarnContext(ctx, "sse.endpoint.duplicate")
			return
		}
		ref, err := url.Parse(data)
		if err != nil {
			r.fail(ctx, fmt.Errorf("parse endpoint event: %w", err), errCh)
			return
		}
		ep := r.base.ResolveReference(ref)
		if ep.Scheme != r.base.Scheme || ep.Host != r.base.Host {
			r.log.WarnContext(ctx, "sse.endpoint.origin.mismatch",
				slog.String("endpoint", ep.String()),
				slog.String("stream", r.base.String()))
			r.fail(ctx, ErrEndpointOriginMismatch, errCh)
			return
		}
		r.gotEndpoint = true
		endpointCh <- ep

	case EventMessage:
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			r.forward(ctx, fmt.Errorf("parse message: %w", err), errCh)
			return
		}
		if err := r.pair.Inbound.Send(ctx, duplex.Message{Raw: json.RawMessage(data)}); err != nil {
			r.log.InfoContext(ctx, "sse.message.drop", slog.String("err", err.Error()))
		}
	}
}

// writeLoop drains the outbound queue, sealing each message and posting it
// to the advertised callback endpoint. A failed post ends the session.
func writeLoop(ctx context.Context, cancel context.CancelFunc, cc *clientConfig, conn *identity.Connection, postURL string, pair *duplex.Pair) {
	defer cancel()

	for {
		raw, err := pair.Outbound.Recv(ctx)
		if err != nil {
			return
		}

		sealed, err := conn.Seal(raw)
		if err != nil {
			cc.log.ErrorContext(ctx, "sse.post.seal.fail", slog.String("err", err.Error()))
			return
		}

		if err := postMessage(ctx, cc, postURL, sealed); err != nil {
			cc.log.InfoContext(ctx, "sse.post.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func postMessage(ctx context.Context, cc *clientConfig, postURL, sealed string) error {
	pctx, pcancel := context.WithTimeout(ctx, cc.connectTimeout)
	defer pcancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPost, postURL, strings.NewReader(sealed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/tsp")

	resp, err := cc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}
	return nil
}
