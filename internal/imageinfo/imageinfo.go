// Package imageinfo finds the background image of a room page on disk and
// reports its public URL and pixel dimensions.
package imageinfo

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/room"
)

// Info describes a page image. A page without an image has an empty URL and
// dimensions of -1.
type Info struct {
	URL    string
	Width  int
	Height int
}

// None is the Info reported for a page without a usable image.
var None = Info{URL: "", Width: -1, Height: -1}

// Found reports whether an image was located.
func (i Info) Found() bool {
	return i.URL != ""
}

var errUnsafeRoom = errors.New("imageinfo: room name is not a local path")

// Reader looks up page images under <root>/files/<room>/<page>_image<ext>.
type Reader struct {
	root       string
	extensions []string
	timeout    time.Duration
}

// NewReader creates a Reader from cfg.
func NewReader(cfg config.ImagesConfig) *Reader {
	return &Reader{root: cfg.RootDir, extensions: cfg.Extensions, timeout: cfg.ReadTimeout}
}

// FilesDir is the directory served under the public files route.
func (r *Reader) FilesDir() string {
	return filepath.Join(r.root, "files")
}

// Lookup returns the image info for key. Missing or undecodable images
// yield None; the cause is logged.
func (r *Reader) Lookup(ctx context.Context, key room.Key) Info {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		info Info
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := r.find(key)
		done <- result{info, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Warn("page image unreadable", "page", key.String(), "error", res.err)
			return None
		}
		return res.info
	case <-ctx.Done():
		slog.Warn("page image lookup timed out", "page", key.String(), "error", ctx.Err())
		return None
	}
}

func (r *Reader) find(key room.Key) (Info, error) {
	if key.Room == "" || !filepath.IsLocal(key.Room) {
		if key.Room != "" {
			return None, errUnsafeRoom
		}
		return None, nil
	}

	base := strconv.Itoa(key.Page) + "_image"
	for _, ext := range r.extensions {
		name := base + ext
		full := filepath.Join(r.root, "files", key.Room, name)

		w, h, err := dimensions(full)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return None, err
		}
		return Info{
			URL:    path.Join("files", filepath.ToSlash(key.Room), name),
			Width:  w,
			Height: h,
		}, nil
	}
	return None, nil
}

func dimensions(file string) (int, int, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", file, err)
	}
	return cfg.Width, cfg.Height, nil
}
