package loader

import (
	"bytes"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

// Placeholder synthesizes the instant render tier: an 8x8 solid color PNG
// data URI. The color is hashed from the path so the same asset always gets
// the same placeholder across sessions.
func Placeholder(path string) string {
	h := fnv.New32a()
	h.Write([]byte(path))
	sum := h.Sum32()
	fill := color.NRGBA{
		R: uint8(sum),
		G: uint8(sum >> 8),
		B: uint8(sum >> 16),
		A: 255,
	}

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	// Encoding an 8x8 solid fill cannot fail in practice.
	if err := png.Encode(&buf, img); err != nil {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
