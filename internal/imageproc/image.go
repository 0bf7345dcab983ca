// Package imageproc produces image renditions: a WebP main rendition via
// ffmpeg and in-process JPEG thumbnails via imaging.
package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/driftbyte/mediaflow/internal/transcode"
)

const (
	// Main renditions are capped to this width; sources smaller than the
	// cap keep their dimensions.
	maxRenditionWidth = 2048

	webpQuality  = 82
	thumbWidth   = 640
	thumbHeight  = 480
	thumbQuality = 80
)

// legacyExts are still-image formats browsers cannot display; they bypass
// the low-quality tier client-side and always go through conversion.
var legacyExts = map[string]bool{
	".heic": true,
	".heif": true,
	".tif":  true,
	".tiff": true,
	".cr2":  true,
	".nef":  true,
	".arw":  true,
	".dng":  true,
}

// NeedsConversion reports whether the path points at a format that must be
// converted server-side before a browser can render it.
func NeedsConversion(path string) bool {
	return legacyExts[strings.ToLower(filepath.Ext(path))]
}

// Converter turns uploaded images into WebP renditions. ffmpeg does the
// encode since no WebP encoder exists in-process; it also covers legacy
// formats the Go decoders cannot read.
type Converter struct {
	ffmpegPath string
	runner     transcode.Runner
}

// NewConverter builds a Converter sharing the transcode runner.
func NewConverter(ffmpegPath string, runner transcode.Runner) *Converter {
	return &Converter{ffmpegPath: ffmpegPath, runner: runner}
}

// ToWebP converts source bytes into a WebP rendition capped at the
// standard width.
func (c *Converter) ToWebP(ctx context.Context, src []byte) ([]byte, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", maxRenditionWidth),
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(webpQuality),
		"-frames:v", "1",
		"-f", "image2pipe",
		"pipe:1",
	}
	var out bytes.Buffer
	if err := c.runner.Run(ctx, c.ffmpegPath, args, bytes.NewReader(src), &out); err != nil {
		return nil, fmt.Errorf("webp convert: %w", err)
	}
	if out.Len() == 0 {
		return nil, errors.New("webp convert produced no output")
	}
	return out.Bytes(), nil
}

// Decode reads an image with the registered stdlib decoders plus WebP,
// applying EXIF orientation.
func Decode(src []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	// imaging delegates to image.Decode, so a second call rarely helps,
	// but WebP registers only via the blank import above.
	img, _, err2 := image.Decode(bytes.NewReader(src))
	if err2 != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Thumbnail renders a JPEG preview fitted into 640x480.
func Thumbnail(src []byte) ([]byte, error) {
	img, err := Decode(src)
	if err != nil {
		return nil, err
	}
	fitted := imaging.Fit(img, thumbWidth, thumbHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
