package loader

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
)

func TestPlaceholderIsDeterministic(t *testing.T) {
	a := Placeholder("originals/u1/photo.jpg")
	b := Placeholder("originals/u1/photo.jpg")
	if a != b {
		t.Fatalf("same path must yield the same placeholder across sessions")
	}
	if Placeholder("originals/u1/other.jpg") == a {
		t.Fatalf("distinct paths should get distinct placeholder colors")
	}
}

func TestPlaceholderIsTinyPNGDataURI(t *testing.T) {
	uri := Placeholder("originals/u2/clip.mp4")
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("placeholder = %q, want png data uri", uri)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 8 || bounds.Dy() != 8 {
		t.Fatalf("placeholder size = %dx%d, want 8x8", bounds.Dx(), bounds.Dy())
	}
}
