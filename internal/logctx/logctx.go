package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request and channel attributes carried in
// the context, so call sites log terse event names and still get full
// correlation data.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("chan",
			slog.String("local_did", cd.LocalDID),
			slog.String("peer_did", cd.PeerDID),
			slog.String("transport", cd.Transport),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type channelDataKey struct{}

// ChannelData identifies one secure channel: the identity pair and the
// transport kind carrying it.
type ChannelData struct {
	LocalDID  string
	PeerDID   string
	Transport string
}

func WithChannelData(ctx context.Context, data *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, data)
}
