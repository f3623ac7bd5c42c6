package imageinfo

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/image/bmp"

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/room"
)

func writeImage(t *testing.T, file string, w, h int, encode func(f *os.File, img image.Image) error) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(file)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func pngEncode(f *os.File, img image.Image) error { return png.Encode(f, img) }
func bmpEncode(f *os.File, img image.Image) error { return bmp.Encode(f, img) }

func newReader(root string, exts ...string) *Reader {
	if len(exts) == 0 {
		exts = []string{".png"}
	}
	return NewReader(config.ImagesConfig{RootDir: root, Extensions: exts, ReadTimeout: time.Second})
}

func TestLookupFound(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "files", "art", "1_image.png"), 40, 30, pngEncode)

	got := newReader(root).Lookup(context.Background(), room.Key{Room: "art", Page: 1})
	want := Info{URL: "files/art/1_image.png", Width: 40, Height: 30}
	if got != want {
		t.Errorf("Lookup() = %+v, want %+v", got, want)
	}
	if !got.Found() {
		t.Error("Found() = false")
	}
}

func TestLookupMissing(t *testing.T) {
	got := newReader(t.TempDir()).Lookup(context.Background(), room.Key{Room: "art", Page: 1})
	if got != None {
		t.Errorf("Lookup() = %+v, want None", got)
	}
	if got.Found() {
		t.Error("Found() = true for missing image")
	}
}

func TestLookupExtensionOrder(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "files", "art", "2_image.bmp"), 12, 8, bmpEncode)

	got := newReader(root, ".png", ".bmp").Lookup(context.Background(), room.Key{Room: "art", Page: 2})
	want := Info{URL: "files/art/2_image.bmp", Width: 12, Height: 8}
	if got != want {
		t.Errorf("Lookup() = %+v, want %+v", got, want)
	}
}

func TestLookupUndecodable(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "files", "art", "1_image.png")
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := newReader(root).Lookup(context.Background(), room.Key{Room: "art", Page: 1}); got != None {
		t.Errorf("Lookup() = %+v, want None", got)
	}
}

func TestLookupRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "1_image.png"), 5, 5, pngEncode)

	for _, name := range []string{"../..", "..", "/etc"} {
		if got := newReader(filepath.Join(root, "files", "x")).Lookup(context.Background(), room.Key{Room: name, Page: 1}); got != None {
			t.Errorf("Lookup(%q) = %+v, want None", name, got)
		}
	}
}

func TestLookupEmptyRoom(t *testing.T) {
	if got := newReader(t.TempDir()).Lookup(context.Background(), room.Key{}); got != None {
		t.Errorf("Lookup(zero key) = %+v, want None", got)
	}
}
