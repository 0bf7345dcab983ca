package objectstore

import (
	"fmt"
	"net/url"
	"strconv"
)

// Transform describes an optional image transform applied by the store's
// render endpoint when a signed URL is issued. The zero value means "serve
// the object as stored".
type Transform struct {
	Width   int
	Height  int
	Quality int
	// Fit is the resize mode: cover, contain, or fill.
	Fit string
}

// IsZero reports whether the transform requests no work.
func (t *Transform) IsZero() bool {
	return t == nil || (t.Width == 0 && t.Height == 0 && t.Quality == 0 && t.Fit == "")
}

// Values renders the transform as the query parameters the render endpoint
// understands.
func (t *Transform) Values() url.Values {
	v := url.Values{}
	if t == nil {
		return v
	}
	if t.Width > 0 {
		v.Set("width", strconv.Itoa(t.Width))
	}
	if t.Height > 0 {
		v.Set("height", strconv.Itoa(t.Height))
	}
	if t.Quality > 0 {
		v.Set("quality", strconv.Itoa(t.Quality))
	}
	if t.Fit != "" {
		v.Set("resize", t.Fit)
	}
	return v
}

// Descriptor returns a stable string form used in cache keys. Distinct
// transforms of the same object must never collide.
func (t *Transform) Descriptor() string {
	if t.IsZero() {
		return "orig"
	}
	return fmt.Sprintf("w%d-h%d-q%d-%s", t.Width, t.Height, t.Quality, t.Fit)
}
