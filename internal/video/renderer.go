// Package video replays a page's stroke log into a frame sequence and
// encodes it as a video.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gg"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/room"
	"github.com/cortexuvula/collabdraw/internal/workers"
)

var (
	// ErrEmptyLog is returned when the page has no strokes to replay.
	ErrEmptyLog = errors.New("video: stroke log is empty")
	// ErrEncoder wraps a failed encoder run. Frames are kept on disk.
	ErrEncoder = errors.New("video: encoder failed")
	// ErrBusy is returned by Submit when every render slot is taken.
	ErrBusy = errors.New("video: too many renders in progress")
	// ErrDisabled is returned by Submit when rendering is turned off.
	ErrDisabled = errors.New("video: rendering disabled")
)

const framePattern = "frame_%d.png"

// StrokeSource loads the stroke log of a page.
type StrokeSource interface {
	Strokes(ctx context.Context, key room.Key) ([]json.RawMessage, error)
}

// Result describes a finished render.
type Result struct {
	Key       room.Key
	Output    string
	Frames    int
	FramesDir string
	Elapsed   time.Duration
}

// Renderer draws stroke logs frame by frame and hands the frames to an
// Encoder. Concurrent renders are bounded.
type Renderer struct {
	cfg     config.VideoConfig
	source  StrokeSource
	encoder Encoder
	pool    *workers.Pool
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
}

// NewRenderer creates a renderer. pool is only needed for Submit; m may be
// nil.
func NewRenderer(cfg config.VideoConfig, source StrokeSource, encoder Encoder, pool *workers.Pool, m *metrics.Metrics) *Renderer {
	slots := int64(cfg.MaxConcurrent)
	if slots <= 0 {
		slots = 1
	}
	return &Renderer{
		cfg:     cfg,
		source:  source,
		encoder: encoder,
		pool:    pool,
		sem:     semaphore.NewWeighted(slots),
		metrics: m,
	}
}

// Submit starts a render of key in the background and returns immediately.
// The outcome is logged.
func (r *Renderer) Submit(key room.Key) error {
	if !r.cfg.Enabled {
		return ErrDisabled
	}
	if !r.sem.TryAcquire(1) {
		r.metrics.Render("rejected")
		return ErrBusy
	}

	err := r.pool.Go("render "+key.String(), func(ctx context.Context) {
		defer r.sem.Release(1)
		res, err := r.render(ctx, key)
		if err != nil {
			slog.Error("video render failed", "page", key.String(), "frames_dir", res.FramesDir, "error", err)
			return
		}
		slog.Info("video rendered",
			"page", key.String(),
			"output", res.Output,
			"frames", res.Frames,
			"elapsed", res.Elapsed,
		)
	})
	if err != nil {
		r.sem.Release(1)
		return err
	}
	return nil
}

// Render replays key and blocks until the video is written.
func (r *Renderer) Render(ctx context.Context, key room.Key) (Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{Key: key}, err
	}
	defer r.sem.Release(1)
	return r.render(ctx, key)
}

func (r *Renderer) render(ctx context.Context, key room.Key) (Result, error) {
	start := time.Now()
	res := Result{Key: key}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	strokes, err := r.source.Strokes(ctx, key)
	if err != nil {
		r.metrics.Render("failed")
		return res, fmt.Errorf("video: load strokes %s: %w", key.String(), err)
	}
	if len(strokes) == 0 {
		r.metrics.Render("empty")
		return res, ErrEmptyLog
	}

	id := uuid.NewString()
	res.FramesDir = filepath.Join(r.cfg.TmpDir, id)
	if err := os.MkdirAll(res.FramesDir, 0755); err != nil {
		r.metrics.Render("failed")
		return res, fmt.Errorf("video: create frames dir: %w", err)
	}

	res.Frames, err = r.drawFrames(ctx, strokes, res.FramesDir)
	if err != nil {
		r.metrics.Render("failed")
		return res, err
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		r.metrics.Render("failed")
		return res, fmt.Errorf("video: create output dir: %w", err)
	}
	res.Output = filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%s_%d_%s.mp4", safeName(key.Room), key.Page, id))

	if err := r.encoder.Encode(ctx, filepath.Join(res.FramesDir, framePattern), res.Output); err != nil {
		r.metrics.Render("failed")
		if !errors.Is(err, ErrEncoder) {
			err = fmt.Errorf("%w: %v", ErrEncoder, err)
		}
		return res, err
	}

	if err := os.RemoveAll(res.FramesDir); err != nil {
		slog.Warn("video: frames cleanup failed", "dir", res.FramesDir, "error", err)
	} else {
		res.FramesDir = ""
	}
	res.Elapsed = time.Since(start)
	r.metrics.Render("success")
	return res, nil
}

// drawFrames writes one PNG per stroke record, each showing every segment up
// to and including that record on a white canvas.
func (r *Renderer) drawFrames(ctx context.Context, strokes []json.RawMessage, dir string) (int, error) {
	dc := gg.NewContext(r.cfg.FrameWidth, r.cfg.FrameHeight)
	defer dc.Close()
	dc.ClearWithColor(gg.White)
	dc.SetLineCap(gg.LineCapRound)

	for i, raw := range strokes {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		seg, err := parseSegment(raw)
		if err != nil {
			slog.Debug("video: skipping stroke record", "index", i, "error", err)
		} else if err := drawSegment(dc, seg); err != nil {
			return i, fmt.Errorf("video: draw frame %d: %w", i, err)
		}

		if err := dc.SavePNG(filepath.Join(dir, fmt.Sprintf(framePattern, i))); err != nil {
			return i, fmt.Errorf("video: write frame %d: %w", i, err)
		}
	}
	return len(strokes), nil
}

func drawSegment(dc *gg.Context, seg segment) error {
	dc.SetLineWidth(seg.LineWidth)
	if seg.LineColor != "" {
		dc.SetHexColor(seg.LineColor)
	} else {
		dc.SetRGB(0, 0, 0)
	}

	// A start record only positions the pen; nothing is painted.
	if seg.Kind != kindMove {
		return nil
	}
	dc.MoveTo(seg.OldX, seg.OldY)
	dc.LineTo(seg.X, seg.Y)
	return dc.Stroke()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
