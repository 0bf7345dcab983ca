// Package urlcache memoizes signed object-store URLs per (path, transform)
// key so concurrent renders don't hammer the issuance endpoint.
package urlcache

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/signing"
)

// Issuer is the slice of the object store the cache needs. The MinIO
// Storage satisfies it; tests use a counting fake.
type Issuer interface {
	PresignGet(ctx context.Context, path string, transform *objectstore.Transform, expiry time.Duration) (string, error)
}

// Options tune the cache.
type Options struct {
	// TTL is the signed-URL validity window. Refresh starts at 50/60 of it.
	TTL time.Duration
	// MaxEntries bounds the LRU.
	MaxEntries int
	// PublicBaseURL enables the degraded fallback: when issuance fails the
	// cache serves an HMAC-signed public path instead of an error.
	PublicBaseURL string
	Signer        *signing.Signer
	// Now is swapped in tests.
	Now func() time.Time
}

type entry struct {
	url       string
	expiresAt time.Time
	refreshAt time.Time
}

// Cache memoizes issued URLs until near expiry. Entries are advisory: a
// miss or expiry triggers re-issuance, never an error.
type Cache struct {
	issuer     Issuer
	ttl        time.Duration
	entries    *expirable.LRU[string, entry]
	group      singleflight.Group
	publicBase string
	signer     *signing.Signer
	now        func() time.Time
}

// New builds a Cache around the issuer.
func New(issuer Issuer, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		issuer: issuer,
		ttl:    opts.TTL,
		// The LRU TTL matches the signed window so entries can never
		// outlive the URL they hold.
		entries:    expirable.NewLRU[string, entry](opts.MaxEntries, nil, opts.TTL),
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		signer:     opts.Signer,
		now:        opts.Now,
	}
}

// GetURL returns a signed URL for the path, issuing a new one only when no
// fresh entry exists. Concurrent callers for the same key share a single
// in-flight issuance.
func (c *Cache) GetURL(ctx context.Context, path string, transform *objectstore.Transform) (string, error) {
	key := cacheKey(path, transform)
	now := c.now()
	if e, ok := c.entries.Get(key); ok && now.Before(e.refreshAt) {
		return e.url, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have already
		// refreshed the entry while this one queued.
		if e, ok := c.entries.Get(key); ok && c.now().Before(e.refreshAt) {
			return e.url, nil
		}
		issued, err := c.issuer.PresignGet(ctx, path, transform, c.ttl)
		if err != nil {
			// A stale-but-unexpired entry beats both the fallback and the
			// error; never hand out a URL known to be expired.
			if e, ok := c.entries.Get(key); ok && c.now().Before(e.expiresAt) {
				return e.url, nil
			}
			if fallback, ok := c.publicFallback(path, transform); ok {
				return fallback, nil
			}
			return nil, fmt.Errorf("issue signed url for %s: %w", path, err)
		}
		issuedAt := c.now()
		c.entries.Add(key, entry{
			url:       issued,
			expiresAt: issuedAt.Add(c.ttl),
			refreshAt: issuedAt.Add(c.ttl * 50 / 60),
		})
		return issued, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the entry for a key, forcing re-issuance on next use.
func (c *Cache) Invalidate(path string, transform *objectstore.Transform) {
	c.entries.Remove(cacheKey(path, transform))
}

// Len reports how many entries are currently cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) publicFallback(path string, transform *objectstore.Transform) (string, bool) {
	if c.publicBase == "" || c.signer == nil {
		return "", false
	}
	expires := c.now().Add(c.ttl).Unix()
	v := transform.Values()
	v.Set("expires", strconv.FormatInt(expires, 10))
	v.Set("signature", c.signer.Sign(path, expires))
	escaped := (&url.URL{Path: path}).EscapedPath()
	return c.publicBase + "/" + escaped + "?" + v.Encode(), true
}

func cacheKey(path string, transform *objectstore.Transform) string {
	return path + "|" + transform.Descriptor()
}
