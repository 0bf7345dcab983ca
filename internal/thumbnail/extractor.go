// Package thumbnail extracts a representative frame from video sources via
// ffmpeg: a seek-based primary strategy with a first-frame fallback.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"

	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/driftbyte/mediaflow/internal/transcode"
)

const (
	// seekOffsetSeconds is where the representative frame is taken from.
	// Clips shorter than twice the offset fall back to 10% of duration.
	seekOffsetSeconds = 1.0

	// Inline payloads are capped to this box so legacy synchronous callers
	// get a bounded response size.
	inlineMaxWidth  = 640
	inlineMaxHeight = 480

	jpegQuality = 80
)

// ErrNoFrame is returned when both extraction strategies fail.
var ErrNoFrame = errors.New("no frame could be extracted")

// Prober reports stream details; the ffmpeg transcoder satisfies it.
type Prober interface {
	Probe(ctx context.Context, in transcode.Input) (*transcode.ProbeInfo, error)
}

// Result is an extracted frame in both persisted and inline forms.
type Result struct {
	// Frame is the JPEG-encoded frame stored as a durable object.
	Frame []byte
	// Inline is a base64 data URI capped at 640x480 for callers that need
	// the preview inside a response body.
	Inline string
}

// Extractor pulls one frame out of a video source URL.
type Extractor struct {
	ffmpegPath string
	runner     transcode.Runner
	prober     Prober
}

// New builds an Extractor. The prober may be nil, in which case the seek
// offset never adapts to clip duration.
func New(ffmpegPath string, runner transcode.Runner, prober Prober) *Extractor {
	return &Extractor{ffmpegPath: ffmpegPath, runner: runner, prober: prober}
}

// Extract grabs a frame from the source. It seeks to a fixed offset first
// and retries once from the very first frame before giving up. Callers
// treat failure as non-fatal.
func (e *Extractor) Extract(ctx context.Context, sourceURL string) (*Result, error) {
	offset := e.pickOffset(ctx, sourceURL)

	frame, err := e.grabFrame(ctx, sourceURL, offset)
	if err != nil {
		// Seek failed: clip may be shorter than the offset or carry a
		// header ffmpeg cannot seek in. One retry from frame zero.
		frame, err = e.grabFrame(ctx, sourceURL, -1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
	}
	return encodeResult(frame)
}

func (e *Extractor) pickOffset(ctx context.Context, sourceURL string) float64 {
	if e.prober == nil {
		return seekOffsetSeconds
	}
	info, err := e.prober.Probe(ctx, transcode.Input{URL: sourceURL})
	if err != nil || info.Duration <= 0 {
		return seekOffsetSeconds
	}
	if info.Duration < 2*seekOffsetSeconds {
		return info.Duration * 0.1
	}
	return seekOffsetSeconds
}

// grabFrame runs ffmpeg for a single PNG frame. offset < 0 means no seek.
func (e *Extractor) grabFrame(ctx context.Context, sourceURL string, offset float64) (image.Image, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if offset >= 0 {
		args = append(args, "-ss", strconv.FormatFloat(offset, 'f', 3, 64))
	}
	args = append(args,
		"-i", sourceURL,
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	var out bytes.Buffer
	if err := e.runner.Run(ctx, e.ffmpegPath, args, nil, &out); err != nil {
		return nil, err
	}
	if out.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	img, _, err := image.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func encodeResult(frame image.Image) (*Result, error) {
	var full bytes.Buffer
	if err := jpeg.Encode(&full, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	inline := frame
	bounds := frame.Bounds()
	if bounds.Dx() > inlineMaxWidth || bounds.Dy() > inlineMaxHeight {
		inline = imaging.Fit(frame, inlineMaxWidth, inlineMaxHeight, imaging.Lanczos)
	}
	var inlineBuf bytes.Buffer
	if err := jpeg.Encode(&inlineBuf, inline, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode inline frame: %w", err)
	}

	return &Result{
		Frame:  full.Bytes(),
		Inline: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(inlineBuf.Bytes()),
	}, nil
}
