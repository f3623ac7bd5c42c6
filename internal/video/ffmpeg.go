package video

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Encoder turns a numbered frame sequence into a video file.
type Encoder interface {
	Encode(ctx context.Context, framePattern string, output string) error
}

// FFmpeg encodes frames with an external ffmpeg binary.
type FFmpeg struct {
	Path      string
	FrameRate int
}

// Encode runs ffmpeg on framePattern (a printf-style path such as
// dir/frame_%d.png, numbered from 0) and writes output.
func (f FFmpeg) Encode(ctx context.Context, framePattern, output string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{"-y", "-loglevel", "error", "-f", "image2", "-start_number", "0"}
	if f.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(f.FrameRate))
	}
	args = append(args, "-i", framePattern, "-pix_fmt", "yuv420p", output)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrEncoder, err, tail(stderr.Bytes(), 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
