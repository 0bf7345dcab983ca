// Package loader implements progressive delivery for one rendered asset:
// an instant synthetic placeholder, then a low-quality rendition, then a
// high-quality rendition on explicit user interest, with a persistent
// cross-session cache in front of the network.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftbyte/mediaflow/internal/imageproc"
	"github.com/driftbyte/mediaflow/internal/objectstore"
)

// Tier is the tagged progressive-load state. Ordering matters: an instance
// only ever moves to a strictly higher tier, never back down.
type Tier int

const (
	TierNone Tier = iota
	TierPlaceholder
	TierLow
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierPlaceholder:
		return "placeholder"
	case TierLow:
		return "low"
	case TierHigh:
		return "high"
	default:
		return "none"
	}
}

// Snapshot is the renderer-facing view of one load instance. CurrentURL is
// always the best successfully loaded tier; a later tier's failure never
// hides an earlier tier's success.
type Snapshot struct {
	Tier        Tier
	CurrentURL  string
	Placeholder string
	LowQuality  string
	HighQuality string
	Loading     bool
	Err         string
}

// Source issues a fetchable URL for a path and optional transform.
// urlcache.Cache satisfies this.
type Source interface {
	GetURL(ctx context.Context, path string, transform *objectstore.Transform) (string, error)
}

// lowTransform is the aggressive-compression tier used for grid renders.
var lowTransform = &objectstore.Transform{Width: 320, Height: 320, Quality: 35, Fit: "inside"}

// Options configure a Loader.
type Options struct {
	Source Source
	Cache  CacheStore
	// Freshness is the window inside which cached results bypass the
	// network entirely. Defaults to six hours.
	Freshness time.Duration
	// Debounce delays hover-triggered quality boosts. Defaults to 500ms.
	Debounce time.Duration
	Log      *logrus.Logger
	Now      func() time.Time
}

// Loader builds load instances sharing one source and persistent cache.
type Loader struct {
	source    Source
	cache     CacheStore
	freshness time.Duration
	debounce  time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

// New builds a Loader.
func New(opts Options) *Loader {
	if opts.Freshness <= 0 {
		opts.Freshness = 6 * time.Hour
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	return &Loader{
		source:    opts.Source,
		cache:     opts.Cache,
		freshness: opts.Freshness,
		debounce:  opts.Debounce,
		log:       opts.Log,
		now:       opts.Now,
	}
}

// Instance tracks the progressive load of one asset render. Concurrent
// instances for distinct assets never serialize against one another; within
// one instance a re-Load cancels the stale in-flight sequence.
type Instance struct {
	l             *Loader
	path          string
	dbPlaceholder string

	mu      sync.Mutex
	gen     uint64
	runCtx  context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	closed  bool
	snap    Snapshot
	updates chan Snapshot
}

// NewInstance creates a load instance for one asset render. dbPlaceholder
// may be empty; a deterministic placeholder is synthesized from the path.
func (l *Loader) NewInstance(path, dbPlaceholder string) *Instance {
	return &Instance{
		l:             l,
		path:          path,
		dbPlaceholder: dbPlaceholder,
		updates:       make(chan Snapshot, 16),
	}
}

// Updates streams snapshots as each step completes. The channel is never
// closed; renderers stop reading after Close.
func (in *Instance) Updates() <-chan Snapshot {
	return in.updates
}

// Snapshot returns the current state.
func (in *Instance) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.snap
}

// Load starts (or restarts) the progressive sequence. A second call cancels
// the stale in-flight one: last call wins.
func (in *Instance) Load(ctx context.Context) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.gen++
	gen := in.gen
	if in.cancel != nil {
		in.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	in.runCtx = runCtx
	in.cancel = cancel
	in.mu.Unlock()

	go in.run(runCtx, gen)
}

// Boost requests the high-quality tier after the debounce delay. A
// re-trigger resets the pending timer; Close clears it.
func (in *Instance) Boost() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || in.snap.Tier >= TierHigh || in.runCtx == nil {
		return
	}
	if in.timer != nil {
		in.timer.Stop()
	}
	in.timer = time.AfterFunc(in.l.debounce, in.fetchHigh)
}

// Close cancels any in-flight fetch and pending boost timer.
func (in *Instance) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	if in.cancel != nil {
		in.cancel()
	}
	if in.timer != nil {
		in.timer.Stop()
	}
}

func (in *Instance) run(ctx context.Context, gen uint64) {
	placeholder := in.dbPlaceholder
	if placeholder == "" {
		placeholder = Placeholder(in.path)
	}
	in.apply(gen, func(s *Snapshot) {
		s.Placeholder = placeholder
		if s.Tier < TierPlaceholder {
			s.Tier = TierPlaceholder
			s.CurrentURL = placeholder
		}
	})

	// A fresh persistent entry bypasses the network entirely.
	if entry, ok, err := in.l.cache.Get(ctx, in.path); err == nil && ok && entry.Fresh(in.l.now(), in.l.freshness) {
		if entry.HighQuality != "" {
			in.upgrade(gen, TierHigh, entry.HighQuality)
			return
		}
		if entry.LowQuality != "" {
			in.upgrade(gen, TierLow, entry.LowQuality)
			return
		}
	}

	in.apply(gen, func(s *Snapshot) { s.Loading = true })

	// Formats a browser cannot display have no client-renderable
	// low-quality variant; they go straight to the converted rendition.
	if imageproc.NeedsConversion(in.path) {
		in.fetchTier(ctx, gen, TierHigh, nil)
	} else {
		in.fetchTier(ctx, gen, TierLow, lowTransform)
	}

	in.apply(gen, func(s *Snapshot) { s.Loading = false })
}

// fetchHigh runs when the boost debounce fires.
func (in *Instance) fetchHigh() {
	in.mu.Lock()
	ctx := in.runCtx
	gen := in.gen
	done := in.closed || in.snap.Tier >= TierHigh || ctx == nil
	in.mu.Unlock()
	if done {
		return
	}
	in.fetchTier(ctx, gen, TierHigh, nil)
}

func (in *Instance) fetchTier(ctx context.Context, gen uint64, tier Tier, transform *objectstore.Transform) {
	url, err := in.l.source.GetURL(ctx, in.path, transform)
	if err != nil {
		// Degrade silently: the previous tier stays visible.
		in.l.log.WithField("path", in.path).WithError(err).Debugf("%s tier fetch failed", tier)
		in.apply(gen, func(s *Snapshot) { s.Err = err.Error() })
		return
	}
	if !in.upgrade(gen, tier, url) {
		return
	}
	in.persist(ctx)
}

// upgrade applies a successful tier load. Stale generations and downgrades
// are rejected.
func (in *Instance) upgrade(gen uint64, tier Tier, url string) bool {
	applied := false
	in.apply(gen, func(s *Snapshot) {
		switch tier {
		case TierLow:
			s.LowQuality = url
		case TierHigh:
			s.HighQuality = url
		}
		if tier <= s.Tier {
			return
		}
		s.Tier = tier
		s.CurrentURL = url
		s.Err = ""
		applied = true
	})
	return applied
}

// apply mutates the snapshot under the lock and emits the result, unless
// the generation is stale.
func (in *Instance) apply(gen uint64, mutate func(*Snapshot)) {
	in.mu.Lock()
	if gen != in.gen || in.closed {
		in.mu.Unlock()
		return
	}
	mutate(&in.snap)
	snap := in.snap
	in.mu.Unlock()
	in.emit(snap)
}

// emit never blocks: when the renderer lags, the oldest buffered snapshot
// is dropped in favor of the newest.
func (in *Instance) emit(snap Snapshot) {
	for {
		select {
		case in.updates <- snap:
			return
		default:
		}
		select {
		case <-in.updates:
		default:
		}
	}
}

func (in *Instance) persist(ctx context.Context) {
	in.mu.Lock()
	entry := CacheEntry{
		Placeholder: in.snap.Placeholder,
		LowQuality:  in.snap.LowQuality,
		HighQuality: in.snap.HighQuality,
		CachedAt:    in.l.now(),
	}
	in.mu.Unlock()
	if err := in.l.cache.Put(ctx, in.path, entry); err != nil {
		in.l.log.WithField("path", in.path).WithError(err).Debug("loader cache write failed")
	}
}
