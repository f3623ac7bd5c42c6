package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/cortexuvula/collabdraw/internal/codec"
	"github.com/cortexuvula/collabdraw/internal/room"
	"github.com/cortexuvula/collabdraw/internal/store"
)

// Handle processes one inbound frame. Failures are logged and never end the
// session.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "panic", r, "stack", string(debug.Stack()))
			s.deps.Metrics.Error("handler_panic")
		}
	}()

	if s.state == StateClosed {
		return
	}

	env, err := s.deps.Decoder.Decode(frame)
	if errors.Is(err, codec.ErrNoEvent) {
		s.log.Error("no event specified")
		s.deps.Metrics.Error("no_event")
		return
	}
	if err != nil {
		s.log.Warn("malformed frame", "error", err)
		s.deps.Metrics.Error("malformed_frame")
		return
	}

	switch env.Event {
	case codec.EventInit:
		s.deps.Metrics.Event(env.Event)
		s.onInit(ctx, env)
	case codec.EventDrawClick:
		s.deps.Metrics.Event(env.Event)
		s.onDrawClick(ctx, env)
	case codec.EventClear:
		s.deps.Metrics.Event(env.Event)
		s.onClear(ctx)
	case codec.EventGetImage:
		s.deps.Metrics.Event(env.Event)
		s.onGetImage(ctx, env)
	case codec.EventVideo:
		s.deps.Metrics.Event(env.Event)
		s.onVideo()
	case codec.EventNewPage:
		s.deps.Metrics.Event(env.Event)
		s.onNewPage(ctx)
	default:
		// Client-chosen names must not become label values.
		s.deps.Metrics.Event("unknown")
		s.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

func (s *Session) onInit(ctx context.Context, env codec.Envelope) {
	var data codec.InitData
	if err := env.Bind(&data); err != nil {
		s.log.Warn("ignoring init", "error", err)
		return
	}
	name := strings.TrimSpace(data.Room)
	if name == "" {
		s.log.Error("room name not provided")
		s.deps.Metrics.Error("no_room")
		return
	}
	page := int(data.Page)
	if page == 0 {
		page = 1
	}
	if page < 1 {
		s.log.Warn("ignoring init with invalid page", "room", name, "page", page)
		return
	}

	s.join(ctx, room.Key{Room: name, Page: page})
}

// join moves the session to key and sends the page's current image and
// stroke log, in that order.
func (s *Session) join(ctx context.Context, key room.Key) {
	s.detach()

	s.key = key
	s.attached = true
	s.state = StateInitialized
	if err := s.deps.Hub.Attach(ctx, s, key); err != nil {
		s.log.Error("page bridge unavailable, live updates will not arrive", "page", key.String(), "error", err)
		s.deps.Metrics.Error("bridge_unavailable")
	}

	if n, err := s.deps.Store.PageCount(ctx, key.Room); err != nil {
		s.storeError("read page count", err)
	} else {
		s.numPages = n
	}

	info := s.deps.Images.Lookup(ctx, key)
	s.send(codec.EventImage, codec.ImageData{URL: info.URL, Width: info.Width, Height: info.Height})

	strokes, err := s.deps.Store.Strokes(ctx, key)
	if err != nil {
		s.storeError("load strokes", err)
		strokes = nil
	}
	s.strokes = strokes
	s.send(codec.EventDrawMany, codec.DrawManyData{Datas: nonNil(s.strokes), NPages: s.numPages})

	s.state = StateActive
	s.log.Info("joined page", "room", key.Room, "page", key.Page, "strokes", len(s.strokes), "pages", s.numPages)
}

func (s *Session) onDrawClick(ctx context.Context, env codec.Envelope) {
	if !s.attached {
		s.log.Warn("draw-click before init, ignoring")
		return
	}
	var data codec.DrawClickData
	if err := env.Bind(&data); err != nil {
		s.log.Warn("ignoring draw-click", "error", err)
		return
	}
	if data.SinglePath == nil {
		s.log.Warn("ignoring draw-click without singlePath")
		return
	}
	if len(data.SinglePath) == 0 {
		return
	}

	msg, err := codec.Marshal(codec.EventDraw, codec.DrawData{SinglePath: data.SinglePath})
	if err != nil {
		s.log.Error("marshal draw", "error", err)
		return
	}
	if err := s.deps.Store.Publish(ctx, s.key, msg); err != nil {
		s.storeError("publish draw", err)
	}

	// Reconcile with the stored log so strokes from other writers survive.
	current, err := s.deps.Store.Strokes(ctx, s.key)
	if err != nil {
		s.storeError("reload strokes", err)
		current = s.strokes
	}
	s.strokes = append(append(make([]json.RawMessage, 0, len(current)+len(data.SinglePath)), current...), data.SinglePath...)
	if err := s.deps.Store.SaveStrokes(ctx, s.key, s.strokes); err != nil {
		s.storeError("save strokes", err)
	}
}

func (s *Session) onClear(ctx context.Context) {
	if !s.attached {
		s.log.Warn("clear before init, ignoring")
		return
	}
	msg, err := codec.Marshal(codec.EventClear, nil)
	if err != nil {
		s.log.Error("marshal clear", "error", err)
		return
	}
	if err := s.deps.Store.Publish(ctx, s.key, msg); err != nil {
		s.storeError("publish clear", err)
	}
	if err := s.deps.Store.DeleteStrokes(ctx, s.key); err != nil {
		s.storeError("delete strokes", err)
	}
	s.strokes = nil
	s.log.Info("page cleared", "room", s.key.Room, "page", s.key.Page)
}

func (s *Session) onGetImage(ctx context.Context, env codec.Envelope) {
	var data codec.GetImageData
	if err := env.Bind(&data); err != nil {
		s.log.Warn("ignoring get-image", "error", err)
		return
	}
	if data.Room != s.key.Room || int(data.Page) != s.key.Page {
		s.log.Warn("get-image for a page other than the attached one, answering for the attached page",
			"requested", fmt.Sprintf("%s:%d", data.Room, int(data.Page)),
			"attached", s.key.String(),
		)
	}
	info := s.deps.Images.Lookup(ctx, s.key)
	s.send(codec.EventImage, codec.ImageData{URL: info.URL, Width: info.Width, Height: info.Height})
}

func (s *Session) onVideo() {
	if !s.attached {
		s.log.Warn("video before init, ignoring")
		return
	}
	if s.deps.Videos == nil {
		s.log.Warn("video requested but rendering is disabled")
		return
	}
	if err := s.deps.Videos.Submit(s.key); err != nil {
		s.log.Warn("video request not accepted", "page", s.key.String(), "error", err)
		return
	}
	s.log.Info("video render started", "room", s.key.Room, "page", s.key.Page)
}

func (s *Session) onNewPage(ctx context.Context) {
	if !s.attached {
		s.log.Warn("new-page before init, ignoring")
		return
	}
	n, err := s.deps.Store.NextPage(ctx, s.key.Room)
	if err != nil {
		s.storeError("allocate page", err)
		return
	}
	s.numPages = n
	s.join(ctx, room.Key{Room: s.key.Room, Page: n})
}

func (s *Session) storeError(what string, err error) {
	typ := "store"
	if errors.Is(err, store.ErrUnavailable) {
		typ = "store_unavailable"
	}
	s.deps.Metrics.Error(typ)
	s.log.Error("store operation failed", "op", what, "page", s.key.String(), "error", err)
}

func nonNil(strokes []json.RawMessage) []json.RawMessage {
	if strokes == nil {
		return []json.RawMessage{}
	}
	return strokes
}
