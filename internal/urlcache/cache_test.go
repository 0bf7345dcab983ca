package urlcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/signing"
)

type fakeIssuer struct {
	mu     sync.Mutex
	calls  int32
	fail   bool
	delay  time.Duration
	serial int
}

func (f *fakeIssuer) PresignGet(ctx context.Context, path string, transform *objectstore.Transform, expiry time.Duration) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("issuance unavailable")
	}
	f.serial++
	return fmt.Sprintf("https://store.example/%s?sig=%d&t=%s", path, f.serial, transform.Descriptor()), nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(issuer Issuer, clk *clock) *Cache {
	return New(issuer, Options{
		TTL:        time.Hour,
		MaxEntries: 16,
		Now:        clk.now,
	})
}

func TestGetURLMemoizesWithinWindow(t *testing.T) {
	issuer := &fakeIssuer{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	first, err := cache.GetURL(context.Background(), "renditions/a/720p.mp4", nil)
	if err != nil {
		t.Fatalf("first GetURL: %v", err)
	}
	second, err := cache.GetURL(context.Background(), "renditions/a/720p.mp4", nil)
	if err != nil {
		t.Fatalf("second GetURL: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical URL within window, got %q and %q", first, second)
	}
	if got := atomic.LoadInt32(&issuer.calls); got != 1 {
		t.Fatalf("expected one issuance, got %d", got)
	}
}

func TestGetURLReissuesAfterRefreshMargin(t *testing.T) {
	issuer := &fakeIssuer{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	first, err := cache.GetURL(context.Background(), "renditions/a/720p.mp4", nil)
	if err != nil {
		t.Fatalf("first GetURL: %v", err)
	}
	// 51 minutes is past the 50/60 refresh point of the one-hour window.
	clk.advance(51 * time.Minute)
	second, err := cache.GetURL(context.Background(), "renditions/a/720p.mp4", nil)
	if err != nil {
		t.Fatalf("second GetURL: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh URL past the refresh margin")
	}
	if got := atomic.LoadInt32(&issuer.calls); got != 2 {
		t.Fatalf("expected two issuances, got %d", got)
	}
}

func TestGetURLDistinctTransformsDistinctEntries(t *testing.T) {
	issuer := &fakeIssuer{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	plain, err := cache.GetURL(context.Background(), "renditions/a/img.webp", nil)
	if err != nil {
		t.Fatalf("plain GetURL: %v", err)
	}
	resized, err := cache.GetURL(context.Background(), "renditions/a/img.webp", &objectstore.Transform{Width: 64, Quality: 40, Fit: "cover"})
	if err != nil {
		t.Fatalf("resized GetURL: %v", err)
	}
	if plain == resized {
		t.Fatalf("transform variants must not share an entry")
	}
	if got := atomic.LoadInt32(&issuer.calls); got != 2 {
		t.Fatalf("expected two issuances, got %d", got)
	}
}

func TestGetURLCoalescesConcurrentCallers(t *testing.T) {
	issuer := &fakeIssuer{delay: 50 * time.Millisecond}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	const callers = 16
	var wg sync.WaitGroup
	urls := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := cache.GetURL(context.Background(), "renditions/b/1080p.mp4", nil)
			if err != nil {
				t.Errorf("GetURL: %v", err)
				return
			}
			urls[i] = u
		}(i)
	}
	wg.Wait()
	for _, u := range urls {
		if u != urls[0] {
			t.Fatalf("coalesced callers received different URLs: %q vs %q", u, urls[0])
		}
	}
	if got := atomic.LoadInt32(&issuer.calls); got != 1 {
		t.Fatalf("expected a single shared issuance, got %d", got)
	}
}

func TestGetURLServesStaleOnIssuanceFailure(t *testing.T) {
	issuer := &fakeIssuer{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	first, err := cache.GetURL(context.Background(), "renditions/c/480p.mp4", nil)
	if err != nil {
		t.Fatalf("first GetURL: %v", err)
	}

	issuer.mu.Lock()
	issuer.fail = true
	issuer.mu.Unlock()

	// Past the refresh margin but still inside the validity window: the
	// stale entry is preferable to an error.
	clk.advance(55 * time.Minute)
	got, err := cache.GetURL(context.Background(), "renditions/c/480p.mp4", nil)
	if err != nil {
		t.Fatalf("expected stale URL, got error: %v", err)
	}
	if got != first {
		t.Fatalf("expected the stale URL %q, got %q", first, got)
	}

	// Once the window has fully lapsed the stale entry is unusable and the
	// failure propagates.
	clk.advance(10 * time.Minute)
	if _, err := cache.GetURL(context.Background(), "renditions/c/480p.mp4", nil); err == nil {
		t.Fatalf("expected error once the cached URL expired")
	}
}

func TestGetURLPublicFallback(t *testing.T) {
	issuer := &fakeIssuer{fail: true}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := New(issuer, Options{
		TTL:           time.Hour,
		MaxEntries:    16,
		PublicBaseURL: "https://cdn.example",
		Signer:        signing.NewSigner([]byte("secret")),
		Now:           clk.now,
	})

	u, err := cache.GetURL(context.Background(), "renditions/d/img.webp", &objectstore.Transform{Width: 320})
	if err != nil {
		t.Fatalf("expected fallback URL, got error: %v", err)
	}
	if !strings.HasPrefix(u, "https://cdn.example/renditions/d/img.webp?") {
		t.Fatalf("unexpected fallback URL: %q", u)
	}
	if !strings.Contains(u, "signature=") || !strings.Contains(u, "expires=") {
		t.Fatalf("fallback URL missing signature params: %q", u)
	}
	if !strings.Contains(u, "width=320") {
		t.Fatalf("fallback URL dropped the transform: %q", u)
	}
}

func TestInvalidateForcesReissue(t *testing.T) {
	issuer := &fakeIssuer{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	cache := newTestCache(issuer, clk)

	first, err := cache.GetURL(context.Background(), "renditions/e/720p.mp4", nil)
	if err != nil {
		t.Fatalf("GetURL: %v", err)
	}
	cache.Invalidate("renditions/e/720p.mp4", nil)
	second, err := cache.GetURL(context.Background(), "renditions/e/720p.mp4", nil)
	if err != nil {
		t.Fatalf("GetURL after invalidate: %v", err)
	}
	if first == second {
		t.Fatalf("expected re-issuance after invalidate")
	}
}
