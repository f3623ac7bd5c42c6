//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"

	"github.com/cortexuvula/collabdraw/internal/codec"
	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/health"
	"github.com/cortexuvula/collabdraw/internal/imageinfo"
	"github.com/cortexuvula/collabdraw/internal/room"
	"github.com/cortexuvula/collabdraw/internal/server"
	"github.com/cortexuvula/collabdraw/internal/session"
	"github.com/cortexuvula/collabdraw/internal/store"
	"github.com/cortexuvula/collabdraw/internal/workers"
)

// instance is one server process sharing the redis store with its peers.
type instance struct {
	srv    *server.Server
	ts     *httptest.Server
	health *httptest.Server
	hub    *room.Hub
}

func newInstance(t *testing.T, mr *miniredis.Miniredis, modCfg func(*config.Config)) *instance {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Store.Address = mr.Addr()
	cfg.Rooms.BridgeIdleGrace = 0
	cfg.Images.RootDir = t.TempDir()
	cfg.Security.RateLimit.Enabled = false
	if modCfg != nil {
		modCfg(cfg)
	}

	backend, err := store.Open(cfg.Store)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	strokes := store.NewStrokeStore(backend, cfg.Store.OpTimeout, nil)

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	pool := workers.NewPool(shutdownCtx)
	hub := room.NewHub(room.NewRegistry(), backend, pool, cfg.Rooms.BridgeIdleGrace, nil)
	images := imageinfo.NewReader(cfg.Images)
	tracker := server.NewTracker()

	srv := server.New(cfg, server.Options{
		Deps:        session.Deps{Hub: hub, Store: strokes, Images: images},
		Tracker:     tracker,
		FilesDir:    images.FilesDir(),
		ShutdownCtx: shutdownCtx,
	})
	ts := httptest.NewServer(srv)

	healthHandler := health.NewHandler(tracker, strokes, "test", true)
	healthHandler.SetBridges(hub)
	healthMux := http.NewServeMux()
	healthMux.Handle("/health", healthHandler)
	healthSrv := httptest.NewServer(healthMux)

	t.Cleanup(func() {
		srv.StartDrain()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Wait(ctx)
		ts.Close()
		healthSrv.Close()
		shutdown()
		pool.Shutdown(ctx)
		hub.Close()
		backend.Close()
	})

	return &instance{srv: srv, ts: ts, health: healthSrv, hub: hub}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (in *instance) connect(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(in.ts.URL, "http") + "/realtime/"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })

	cl := &client{t: t, conn: c}
	cl.read(codec.EventReady)
	return cl
}

func (c *client) write(frame string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read(event string) json.RawMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, frame, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read waiting for %s: %v", event, err)
	}
	plain, err := codec.Unwrap(frame)
	if err != nil {
		c.t.Fatalf("unwrap: %v", err)
	}
	var env codec.Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		c.t.Fatalf("envelope %s: %v", plain, err)
	}
	if env.Event != event {
		c.t.Fatalf("got event %q (%s), want %q", env.Event, env.Data, event)
	}
	return env.Data
}

func (c *client) join(roomName string, page int) codec.DrawManyData {
	c.t.Helper()
	c.write(`{"event":"init","data":{"room":"` + roomName + `","page":` + itoa(page) + `}}`)
	c.read(codec.EventImage)
	var many codec.DrawManyData
	if err := json.Unmarshal(c.read(codec.EventDrawMany), &many); err != nil {
		c.t.Fatalf("draw-many: %v", err)
	}
	return many
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestDrawAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newInstance(t, mr, nil)
	b := newInstance(t, mr, nil)

	alice := a.connect(t)
	bob := b.connect(t)
	alice.join("board", 1)
	bob.join("board", 1)

	alice.write(`{"event":"draw-click","data":{"singlePath":[{"type":"dragstart","x":1,"y":1}]}}`)

	for _, c := range []*client{alice, bob} {
		var draw codec.DrawClickData
		if err := json.Unmarshal(c.read(codec.EventDraw), &draw); err != nil {
			t.Fatal(err)
		}
		if len(draw.SinglePath) != 1 {
			t.Errorf("draw singlePath = %s", draw.SinglePath)
		}
	}

	// The reply to get-image means alice's draw handler has saved the log.
	alice.write(`{"event":"get-image","data":{"room":"board","page":1}}`)
	alice.read(codec.EventImage)

	// A late joiner on the second instance replays the log written by the first.
	carol := b.connect(t)
	many := carol.join("board", 1)
	if len(many.Datas) != 1 || many.NPages != 1 {
		t.Errorf("late joiner draw-many = %+v", many)
	}
}

func TestPagesAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newInstance(t, mr, nil)
	b := newInstance(t, mr, nil)

	alice := a.connect(t)
	bob := b.connect(t)
	alice.join("deck", 1)
	bob.join("deck", 1)

	alice.write(`{"event":"new-page"}`)
	alice.read(codec.EventImage)
	var many codec.DrawManyData
	json.Unmarshal(alice.read(codec.EventDrawMany), &many)
	if many.NPages != 2 {
		t.Fatalf("npages after new-page = %d, want 2", many.NPages)
	}

	bob.write(`{"event":"new-page"}`)
	bob.read(codec.EventImage)
	json.Unmarshal(bob.read(codec.EventDrawMany), &many)
	if many.NPages != 3 {
		t.Errorf("npages after second new-page = %d, want 3", many.NPages)
	}

	// alice is on page 2, bob on page 3: strokes stay on their page.
	bob.write(`{"event":"draw-click","data":{"singlePath":[{"x":5,"y":5}]}}`)
	bob.read(codec.EventDraw)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, frame, err := alice.conn.Read(ctx); err == nil {
		t.Errorf("alice received %q from another page", frame)
	}
}

func TestClearAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newInstance(t, mr, nil)
	b := newInstance(t, mr, nil)

	alice := a.connect(t)
	bob := b.connect(t)
	alice.join("wipe", 1)
	bob.join("wipe", 1)

	alice.write(`{"event":"draw-click","data":{"singlePath":[{"x":1,"y":1}]}}`)
	alice.read(codec.EventDraw)
	bob.read(codec.EventDraw)
	alice.write(`{"event":"get-image","data":{"room":"wipe","page":1}}`)
	alice.read(codec.EventImage)

	bob.write(`{"event":"clear"}`)
	alice.read(codec.EventClear)
	bob.read(codec.EventClear)
	bob.write(`{"event":"get-image","data":{"room":"wipe","page":1}}`)
	bob.read(codec.EventImage)

	late := a.connect(t)
	if many := late.join("wipe", 1); len(many.Datas) != 0 {
		t.Errorf("log after clear = %s", many.Datas)
	}
}

func TestHealthReflectsStore(t *testing.T) {
	mr := miniredis.RunT(t)
	in := newInstance(t, mr, nil)
	in.connect(t).join("h", 1)

	resp, err := http.Get(in.health.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var body health.Response
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !body.StoreReachable {
		t.Errorf("health = %d %+v", resp.StatusCode, body)
	}
	if body.ActiveConnections != 1 || body.Details == nil || body.Details.ActiveBridges != 1 {
		t.Errorf("health counters = %+v details=%+v", body, body.Details)
	}

	mr.Close()

	resp, err = http.Get(in.health.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health after store loss = %d, want 503", resp.StatusCode)
	}
}
