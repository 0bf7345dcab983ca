package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/driftbyte/mediaflow/internal/transcode"
)

// frameRunner plays back canned ffmpeg behavior: failures for the first N
// invocations, then a PNG frame.
type frameRunner struct {
	failuresLeft int
	invocations  [][]string
	frame        []byte
}

func (r *frameRunner) Run(_ context.Context, _ string, args []string, _ io.Reader, stdout io.Writer) error {
	r.invocations = append(r.invocations, args)
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return errors.New("ffmpeg exploded")
	}
	_, err := stdout.Write(r.frame)
	return err
}

type fixedProber struct {
	info *transcode.ProbeInfo
	err  error
}

func (p fixedProber) Probe(context.Context, transcode.Input) (*transcode.ProbeInfo, error) {
	return p.info, p.err
}

func pngFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return buf.Bytes()
}

func hasSeek(args []string) bool {
	for _, a := range args {
		if a == "-ss" {
			return true
		}
	}
	return false
}

func TestExtractSeeksByDefault(t *testing.T) {
	runner := &frameRunner{frame: pngFrame(t, 320, 180)}
	e := New("ffmpeg", runner, nil)

	res, err := e.Extract(context.Background(), "https://store.example/v.mp4")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(runner.invocations) != 1 {
		t.Fatalf("expected a single ffmpeg run, got %d", len(runner.invocations))
	}
	if !hasSeek(runner.invocations[0]) {
		t.Fatalf("primary strategy must seek: %v", runner.invocations[0])
	}
	if len(res.Frame) == 0 {
		t.Fatalf("missing persisted frame")
	}
	if !strings.HasPrefix(res.Inline, "data:image/jpeg;base64,") {
		t.Fatalf("inline payload should be a jpeg data URI, got %q", res.Inline[:32])
	}
}

func TestExtractFallsBackToFirstFrame(t *testing.T) {
	runner := &frameRunner{failuresLeft: 1, frame: pngFrame(t, 320, 180)}
	e := New("ffmpeg", runner, nil)

	if _, err := e.Extract(context.Background(), "https://store.example/v.mp4"); err != nil {
		t.Fatalf("Extract should recover via first-frame fallback: %v", err)
	}
	if len(runner.invocations) != 2 {
		t.Fatalf("expected two attempts, got %d", len(runner.invocations))
	}
	if hasSeek(runner.invocations[1]) {
		t.Fatalf("fallback attempt must not seek: %v", runner.invocations[1])
	}
}

func TestExtractBothStrategiesFail(t *testing.T) {
	runner := &frameRunner{failuresLeft: 2}
	e := New("ffmpeg", runner, nil)

	_, err := e.Extract(context.Background(), "https://store.example/v.mp4")
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestExtractShortClipUsesFractionalOffset(t *testing.T) {
	runner := &frameRunner{frame: pngFrame(t, 64, 64)}
	e := New("ffmpeg", runner, fixedProber{info: &transcode.ProbeInfo{Duration: 0.8}})

	if _, err := e.Extract(context.Background(), "https://store.example/clip.mp4"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	args := runner.invocations[0]
	for i, a := range args {
		if a == "-ss" {
			if args[i+1] != "0.080" {
				t.Fatalf("short clip offset should be 10%% of duration, got %s", args[i+1])
			}
			return
		}
	}
	t.Fatalf("no seek argument found: %v", args)
}

func TestInlinePayloadIsCapped(t *testing.T) {
	runner := &frameRunner{frame: pngFrame(t, 1920, 1080)}
	e := New("ffmpeg", runner, nil)

	res, err := e.Extract(context.Background(), "https://store.example/v.mp4")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// A 640x480-capped JPEG of a flat color is far smaller than the full
	// 1080p frame; the inline form must not exceed the persisted one.
	if len(res.Inline) > len(res.Frame)*2 {
		t.Fatalf("inline payload unexpectedly large: %d vs frame %d", len(res.Inline), len(res.Frame))
	}
}
