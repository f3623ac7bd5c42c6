package logring

import (
	"context"
	"log/slog"
)

// Handler forwards records to an inner slog.Handler and captures a copy in
// a Ring. Capture happens only for records the inner handler accepts.
type Handler struct {
	inner  slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	prefix string
}

// Wrap returns a Handler around inner.
func Wrap(inner slog.Handler, ring *Ring) *Handler {
	return &Handler{inner: inner, ring: ring}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}
	for _, a := range h.attrs {
		e.capture(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		e.capture(a, h.prefix)
		return true
	})
	h.ring.Add(e)
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &Handler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		prefix: h.prefix,
		attrs:  make([]slog.Attr, 0, len(h.attrs)+len(attrs)),
	}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		// Store attrs with their group prefix already applied.
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func (e *Entry) capture(a slog.Attr, prefix string) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			e.capture(ga, p)
		}
		return
	}
	if prefix == "" {
		switch a.Key {
		case "session":
			e.Session = v.String()
			return
		case "room":
			e.Room = v.String()
			return
		}
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	e.Attrs[prefix+a.Key] = v.Any()
}
