// Package logctx enriches slog records with the topic, connection, and node a
// log line concerns, taken from the context passed to the *Context logging
// methods.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if nd, ok := ctx.Value(nodeDataKey{}).(*NodeData); ok {
		r.AddAttrs(slog.Group("node",
			slog.String("id", nd.NodeID),
			slog.Bool("leader", nd.Leader),
		))
	}

	if td, ok := ctx.Value(topicDataKey{}).(*TopicData); ok {
		r.AddAttrs(slog.Group("topic",
			slog.String("id", td.TopicID),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("user_id", cd.UserID),
			slog.String("state", cd.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler enriches records. A nil logger wraps
// slog.Default.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type nodeDataKey struct{}

type NodeData struct {
	NodeID string
	Leader bool
}

func WithNode(ctx context.Context, data *NodeData) context.Context {
	return context.WithValue(ctx, nodeDataKey{}, data)
}

type topicDataKey struct{}

type TopicData struct {
	TopicID string
}

func WithTopic(ctx context.Context, data *TopicData) context.Context {
	return context.WithValue(ctx, topicDataKey{}, data)
}

type connDataKey struct{}

type ConnectionData struct {
	ConnectionID string
	UserID       string
	State        string
}

func WithConnection(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
