// Package pipeline drives an uploaded asset from raw original to quality-
// tiered renditions: strategy selection, transcode, thumbnail, metadata
// state transitions, and original cleanup.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/driftbyte/mediaflow/internal/model"
	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/repository"
	"github.com/driftbyte/mediaflow/internal/thumbnail"
	"github.com/driftbyte/mediaflow/internal/transcode"
)

// Thumbnailer extracts a representative frame from a video source URL.
type Thumbnailer interface {
	Extract(ctx context.Context, sourceURL string) (*thumbnail.Result, error)
}

// ImageConverter turns image bytes into the WebP main rendition.
type ImageConverter interface {
	ToWebP(ctx context.Context, src []byte) ([]byte, error)
}

// ImageThumbnailer renders the JPEG preview for an image.
type ImageThumbnailer func(src []byte) ([]byte, error)

// Options wire the pipeline's collaborators.
type Options struct {
	Store       objectstore.Store
	Assets      repository.AssetStore
	Primary     transcode.Processor
	Fallback    transcode.Processor
	Thumbs      Thumbnailer
	Images      ImageConverter
	ImageThumbs ImageThumbnailer
	Thresholds  Thresholds
	CallTimeout time.Duration
	SourceTTL   time.Duration
	Log         *logrus.Logger
}

// Pipeline processes one asset per invocation. No cross-asset locking is
// needed: each asset's row is only written by the invocation processing it.
type Pipeline struct {
	store       objectstore.Store
	assets      repository.AssetStore
	primary     transcode.Processor
	fallback    transcode.Processor
	thumbs      Thumbnailer
	images      ImageConverter
	imageThumbs ImageThumbnailer
	th          Thresholds
	callTimeout time.Duration
	sourceTTL   time.Duration
	log         *logrus.Logger
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.SourceTTL <= 0 {
		opts.SourceTTL = time.Hour
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	return &Pipeline{
		store:       opts.Store,
		assets:      opts.Assets,
		primary:     opts.Primary,
		fallback:    opts.Fallback,
		thumbs:      opts.Thumbs,
		images:      opts.Images,
		imageThumbs: opts.ImageThumbs,
		th:          opts.Thresholds,
		callTimeout: opts.CallTimeout,
		sourceTTL:   opts.SourceTTL,
		log:         opts.Log,
	}
}

// Process runs the full state machine for one trigger and returns the
// pipeline response. Terminal failure marks the row failed and leaves the
// original untouched so the asset can be reprocessed.
func (p *Pipeline) Process(ctx context.Context, trigger model.ProcessTrigger) model.ProcessResult {
	log := p.log.WithField("media_id", trigger.MediaID)

	asset, err := p.assets.Get(ctx, trigger.MediaID)
	if err != nil {
		return failure(trigger.MediaID, fmt.Errorf("load asset: %w", err))
	}

	// Idempotence: a re-invocation on a terminal processed row with valid
	// derived paths is a no-op unless the caller forces an overwrite.
	if asset.Status == model.StatusProcessed && !trigger.Force {
		if best, ok := asset.BestQuality(); ok {
			log.Info("asset already processed, skipping")
			res := model.ProcessResult{
				Success:        true,
				MediaID:        asset.ID,
				ProcessedPath:  best,
				ProcessedPaths: asset.ProcessedPaths,
			}
			if asset.ThumbnailPath != nil {
				res.ThumbnailPath = *asset.ThumbnailPath
			}
			if asset.ProcessingError != nil {
				res.Warning = *asset.ProcessingError
			}
			return res
		}
	}

	if err := p.assets.MarkProcessing(ctx, asset.ID); err != nil {
		return failure(asset.ID, fmt.Errorf("mark processing: %w", err))
	}

	res, err := p.run(ctx, asset, trigger)
	if err != nil {
		log.WithError(err).Error("processing failed")
		if markErr := p.assets.MarkFailed(ctx, asset.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("mark failed")
		}
		return failure(asset.ID, err)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, asset *model.Asset, trigger model.ProcessTrigger) (model.ProcessResult, error) {
	if trigger.SkipProcessing {
		return p.recordProvided(ctx, asset, trigger)
	}

	size := asset.OriginalSizeBytes
	if size <= 0 {
		var err error
		size, err = p.statOriginal(ctx, asset.OriginalPath)
		if err != nil {
			return model.ProcessResult{}, fmt.Errorf("stat original: %w", err)
		}
	}

	strategy := Select(false, size, p.th)
	p.log.WithFields(logrus.Fields{
		"media_id": asset.ID,
		"strategy": strategy.String(),
		"size":     size,
	}).Info("strategy selected")

	switch strategy {
	case StrategyOversize:
		msg := fmt.Sprintf("file size %d bytes exceeds the %d byte processing limit; serving original", size, p.th.Oversize)
		return p.retainOriginal(ctx, asset, size, msg)
	case StrategySmall:
		return p.processInMemory(ctx, asset, strategy.TierCount(size, p.th))
	default:
		res, err := p.processStreaming(ctx, asset, size, strategy.TierCount(size, p.th))
		if err == nil {
			return res, nil
		}
		// The streaming path failed. Fall back to the in-memory strategy
		// only when the file still fits the bounded-memory budget.
		if size <= p.th.MemoryFallback {
			p.log.WithField("media_id", asset.ID).WithError(err).Warn("streaming transcode failed, retrying in memory")
			return p.processInMemory(ctx, asset, 1)
		}
		msg := fmt.Sprintf("streaming transcode failed and file too large for in-memory fallback: %v", err)
		return p.retainOriginal(ctx, asset, size, msg)
	}
}

// recordProvided handles the skip-processing strategy: the client already
// produced final renditions, so only bookkeeping and cleanup remain.
func (p *Pipeline) recordProvided(ctx context.Context, asset *model.Asset, trigger model.ProcessTrigger) (model.ProcessResult, error) {
	if len(trigger.ProcessedPaths) == 0 {
		return model.ProcessResult{}, fmt.Errorf("skip-processing trigger without processed paths")
	}
	update := repository.ProcessedUpdate{ProcessedPaths: trigger.ProcessedPaths}
	if trigger.ThumbnailPath != "" {
		t := trigger.ThumbnailPath
		update.ThumbnailPath = &t
	}
	if best := bestOf(trigger.ProcessedPaths); best != "" {
		update.ProcessedPath = &best
	}

	var warning string
	// Videos are never retained in original form; images may be, since the
	// client optimized them before upload.
	if asset.MediaType == model.MediaVideo {
		if err := p.deleteOriginal(ctx, asset.OriginalPath); err != nil {
			warning = fmt.Sprintf("original cleanup failed: %v", err)
			update.ProcessingError = &warning
		}
	}
	if err := p.assets.MarkProcessed(ctx, asset.ID, update); err != nil {
		return model.ProcessResult{}, fmt.Errorf("record provided renditions: %w", err)
	}
	return model.ProcessResult{
		Success:        true,
		MediaID:        asset.ID,
		ProcessedPath:  deref(update.ProcessedPath),
		ProcessedPaths: trigger.ProcessedPaths,
		ThumbnailPath:  trigger.ThumbnailPath,
		Warning:        warning,
	}, nil
}

// retainOriginal is the degraded terminal state: processed, but serving
// the original file, with a diagnostic explaining why.
func (p *Pipeline) retainOriginal(ctx context.Context, asset *model.Asset, size int64, msg string) (model.ProcessResult, error) {
	original := asset.OriginalPath
	update := repository.ProcessedUpdate{
		ProcessedPath:      &original,
		ProcessingError:    &msg,
		OptimizedSizeBytes: size,
	}
	if err := p.assets.MarkProcessed(ctx, asset.ID, update); err != nil {
		return model.ProcessResult{}, fmt.Errorf("record oversize outcome: %w", err)
	}
	return model.ProcessResult{
		Success:       true,
		MediaID:       asset.ID,
		ProcessedPath: original,
		Warning:       msg,
	}, nil
}

// processInMemory is the small-tier strategy: the original is downloaded
// whole and every rendition is produced from the in-memory copy.
func (p *Pipeline) processInMemory(ctx context.Context, asset *model.Asset, tiers int) (model.ProcessResult, error) {
	data, err := p.downloadOriginal(ctx, asset.OriginalPath)
	if err != nil {
		return model.ProcessResult{}, fmt.Errorf("download original: %w", err)
	}

	var (
		paths    map[model.Quality]string
		optBytes int64
		warnings []string
	)
	switch asset.MediaType {
	case model.MediaImage:
		paths, optBytes, err = p.renderImage(ctx, asset, data)
	case model.MediaAudio:
		paths, optBytes, err = p.renderAudio(ctx, asset, data)
	default:
		paths, optBytes, warnings, err = p.renderVideoFromBytes(ctx, asset, data, tiers)
	}
	if err != nil {
		return model.ProcessResult{}, err
	}

	thumbPath, thumbWarnings := p.makeThumbnail(ctx, asset, data)
	warnings = append(warnings, thumbWarnings...)

	return p.finish(ctx, asset, paths, thumbPath, optBytes, warnings)
}

// processStreaming is the medium-tier strategy: ffmpeg reads a presigned
// source URL and the rendition streams straight into the object store, so
// the file is never materialized in worker memory.
func (p *Pipeline) processStreaming(ctx context.Context, asset *model.Asset, size int64, tiers int) (model.ProcessResult, error) {
	if asset.MediaType == model.MediaImage {
		// Images large enough to land here exceed what the converters can
		// stream; the in-memory fallback bound decides their fate.
		return model.ProcessResult{}, fmt.Errorf("image too large for streaming conversion")
	}

	srcURL, err := p.presignSource(ctx, asset.OriginalPath)
	if err != nil {
		return model.ProcessResult{}, fmt.Errorf("presign source: %w", err)
	}

	ladder := []transcode.Tier{transcode.AudioTier}
	if asset.MediaType == model.MediaVideo {
		ladder = transcode.LadderFor(tiers)
	}

	paths := make(map[model.Quality]string, len(ladder))
	for _, tier := range ladder {
		key := renditionKey(asset.ID, tier.Quality)
		if err := p.streamTier(ctx, srcURL, key, tier, asset.MediaType); err != nil {
			return model.ProcessResult{}, fmt.Errorf("stream tier %s: %w", tier.Quality, err)
		}
		paths[tier.Quality] = key
	}

	var optBytes int64
	if best := bestOf(paths); best != "" {
		if n, err := p.statOriginal(ctx, best); err == nil {
			optBytes = n
		}
	}

	var warnings []string
	thumbPath := ""
	if asset.MediaType == model.MediaVideo {
		thumbPath, warnings = p.videoThumbnail(ctx, asset.ID, srcURL)
	}

	return p.finish(ctx, asset, paths, thumbPath, optBytes, warnings)
}

func (p *Pipeline) streamTier(ctx context.Context, srcURL, key string, tier transcode.Tier, mediaType model.MediaType) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := p.primary.Transcode(ctx, transcode.Input{URL: srcURL}, tier, mediaType, pw)
		pw.CloseWithError(err)
		done <- err
	}()
	uploadErr := p.store.Upload(ctx, key, pr, -1, contentTypeFor(mediaType, tier.Quality))
	if uploadErr != nil {
		// The upload may have died before draining the pipe; close the read
		// end so the transcoder's next write unblocks instead of hanging the
		// invocation.
		pr.CloseWithError(uploadErr)
	}
	transcodeErr := <-done
	if transcodeErr != nil {
		return transcodeErr
	}
	return uploadErr
}

// renderVideoFromBytes attempts the quality ladder with the primary
// processor. If every tier fails it runs the fallback processor exactly
// once at a single lower tier before reporting failure.
func (p *Pipeline) renderVideoFromBytes(ctx context.Context, asset *model.Asset, data []byte, tiers int) (map[model.Quality]string, int64, []string, error) {
	var warnings []string
	paths := make(map[model.Quality]string)
	var bestBytes int64

	for _, tier := range transcode.LadderFor(tiers) {
		var buf bytes.Buffer
		if err := p.transcodeWithTimeout(ctx, p.primary, transcode.Input{Bytes: data}, tier, asset.MediaType, &buf); err != nil {
			p.log.WithField("media_id", asset.ID).WithError(err).Warnf("tier %s failed", tier.Quality)
			warnings = append(warnings, fmt.Sprintf("tier %s failed: %v", tier.Quality, err))
			continue
		}
		key := renditionKey(asset.ID, tier.Quality)
		if err := p.uploadRendition(ctx, key, buf.Bytes(), contentTypeFor(asset.MediaType, tier.Quality)); err != nil {
			return nil, 0, nil, fmt.Errorf("upload tier %s: %w", tier.Quality, err)
		}
		if bestBytes == 0 {
			bestBytes = int64(buf.Len())
		}
		paths[tier.Quality] = key
	}

	if len(paths) > 0 {
		if len(warnings) == 0 {
			return paths, bestBytes, nil, nil
		}
		return paths, bestBytes, warnings, nil
	}

	// Primary chain produced nothing: one attempt with the compatibility
	// encoder at the fallback tier, then give up.
	tier := transcode.FallbackTier
	var buf bytes.Buffer
	if err := p.transcodeWithTimeout(ctx, p.fallback, transcode.Input{Bytes: data}, tier, asset.MediaType, &buf); err != nil {
		return nil, 0, nil, fmt.Errorf("primary and fallback processors failed: %w", err)
	}
	key := renditionKey(asset.ID, tier.Quality)
	if err := p.uploadRendition(ctx, key, buf.Bytes(), contentTypeFor(asset.MediaType, tier.Quality)); err != nil {
		return nil, 0, nil, fmt.Errorf("upload fallback rendition: %w", err)
	}
	warnings = append(warnings, fmt.Sprintf("fallback processor %s used at %s", p.fallback.Name(), tier.Quality))
	return map[model.Quality]string{tier.Quality: key}, int64(buf.Len()), warnings, nil
}

func (p *Pipeline) renderImage(ctx context.Context, asset *model.Asset, data []byte) (map[model.Quality]string, int64, error) {
	webp, err := p.convertWithTimeout(ctx, data)
	if err != nil {
		return nil, 0, fmt.Errorf("webp rendition: %w", err)
	}
	key := renditionKey(asset.ID, model.QualityWebP)
	if err := p.uploadRendition(ctx, key, webp, "image/webp"); err != nil {
		return nil, 0, fmt.Errorf("upload webp rendition: %w", err)
	}
	return map[model.Quality]string{model.QualityWebP: key}, int64(len(webp)), nil
}

func (p *Pipeline) renderAudio(ctx context.Context, asset *model.Asset, data []byte) (map[model.Quality]string, int64, error) {
	var buf bytes.Buffer
	if err := p.transcodeWithTimeout(ctx, p.primary, transcode.Input{Bytes: data}, transcode.AudioTier, model.MediaAudio, &buf); err != nil {
		return nil, 0, fmt.Errorf("audio rendition: %w", err)
	}
	key := renditionKey(asset.ID, model.QualityAAC)
	if err := p.uploadRendition(ctx, key, buf.Bytes(), "audio/aac"); err != nil {
		return nil, 0, fmt.Errorf("upload audio rendition: %w", err)
	}
	return map[model.Quality]string{model.QualityAAC: key}, int64(buf.Len()), nil
}

// makeThumbnail produces the preview for the in-memory path. Failure is
// never fatal: the asset still reaches processed with a null thumbnail.
func (p *Pipeline) makeThumbnail(ctx context.Context, asset *model.Asset, data []byte) (string, []string) {
	switch asset.MediaType {
	case model.MediaImage:
		if p.imageThumbs == nil {
			return "", nil
		}
		thumb, err := p.imageThumbs(data)
		if err != nil {
			return "", []string{fmt.Sprintf("thumbnail failed: %v", err)}
		}
		key := thumbKey(asset.ID)
		if err := p.uploadRendition(ctx, key, thumb, "image/jpeg"); err != nil {
			return "", []string{fmt.Sprintf("thumbnail upload failed: %v", err)}
		}
		return key, nil
	case model.MediaVideo:
		srcURL, err := p.presignSource(ctx, asset.OriginalPath)
		if err != nil {
			return "", []string{fmt.Sprintf("thumbnail source presign failed: %v", err)}
		}
		return p.videoThumbnail(ctx, asset.ID, srcURL)
	default:
		return "", nil
	}
}

func (p *Pipeline) videoThumbnail(ctx context.Context, id, srcURL string) (string, []string) {
	if p.thumbs == nil {
		return "", nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	res, err := p.thumbs.Extract(cctx, srcURL)
	if err != nil {
		return "", []string{fmt.Sprintf("thumbnail extraction failed: %v", err)}
	}
	key := thumbKey(id)
	if err := p.uploadRendition(ctx, key, res.Frame, "image/jpeg"); err != nil {
		return "", []string{fmt.Sprintf("thumbnail upload failed: %v", err)}
	}
	return key, nil
}

// finish records the terminal processed transition and cleans up the
// original. Cleanup failure downgrades to a warning: the renditions exist
// and the asset is servable.
func (p *Pipeline) finish(ctx context.Context, asset *model.Asset, paths map[model.Quality]string, thumbPath string, optBytes int64, warnings []string) (model.ProcessResult, error) {
	if err := p.deleteOriginal(ctx, asset.OriginalPath); err != nil {
		warnings = append(warnings, fmt.Sprintf("original cleanup failed: %v", err))
	}

	best := bestOf(paths)
	update := repository.ProcessedUpdate{
		ProcessedPaths:     paths,
		OptimizedSizeBytes: optBytes,
	}
	if best != "" {
		update.ProcessedPath = &best
	}
	if thumbPath != "" {
		update.ThumbnailPath = &thumbPath
	}
	var warning string
	if len(warnings) > 0 {
		warning = strings.Join(warnings, "; ")
		update.ProcessingError = &warning
	}
	if err := p.assets.MarkProcessed(ctx, asset.ID, update); err != nil {
		return model.ProcessResult{}, fmt.Errorf("record processed outcome: %w", err)
	}
	return model.ProcessResult{
		Success:        true,
		MediaID:        asset.ID,
		ProcessedPath:  best,
		ProcessedPaths: paths,
		ThumbnailPath:  thumbPath,
		Warning:        warning,
	}, nil
}

// --- external-call helpers: every call carries a timeout and transient
// failures are retried with backoff up to a small fixed budget.

func (p *Pipeline) retrying(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		if err := fn(cctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (p *Pipeline) statOriginal(ctx context.Context, path string) (int64, error) {
	var size int64
	err := p.retrying(ctx, func(ctx context.Context) error {
		n, err := p.store.Stat(ctx, path)
		if err != nil {
			return err
		}
		size = n
		return nil
	})
	return size, err
}

func (p *Pipeline) downloadOriginal(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := p.retrying(ctx, func(ctx context.Context) error {
		b, err := p.store.Download(ctx, path)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	return data, err
}

func (p *Pipeline) uploadRendition(ctx context.Context, key string, data []byte, contentType string) error {
	return p.retrying(ctx, func(ctx context.Context) error {
		return objectstore.UploadBytes(ctx, p.store, key, data, contentType)
	})
}

func (p *Pipeline) deleteOriginal(ctx context.Context, path string) error {
	return p.retrying(ctx, func(ctx context.Context) error {
		return p.store.Delete(ctx, path)
	})
}

func (p *Pipeline) presignSource(ctx context.Context, path string) (string, error) {
	var u string
	err := p.retrying(ctx, func(ctx context.Context) error {
		issued, err := p.store.PresignGet(ctx, path, nil, p.sourceTTL)
		if err != nil {
			return err
		}
		u = issued
		return nil
	})
	return u, err
}

func (p *Pipeline) transcodeWithTimeout(ctx context.Context, proc transcode.Processor, in transcode.Input, tier transcode.Tier, mediaType model.MediaType, out io.Writer) error {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return proc.Transcode(cctx, in, tier, mediaType, out)
}

func (p *Pipeline) convertWithTimeout(ctx context.Context, data []byte) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.images.ToWebP(cctx, data)
}

// --- key layout: deterministic rendition keys make a forced reprocess a
// clean overwrite instead of an orphan factory.

func renditionKey(id string, q model.Quality) string {
	switch q {
	case model.QualityWebP:
		return objectstore.RenditionPrefix + id + "/main.webp"
	case model.QualityAAC:
		return objectstore.RenditionPrefix + id + "/audio.aac"
	default:
		return fmt.Sprintf("%s%s/%s.mp4", objectstore.RenditionPrefix, id, q)
	}
}

func thumbKey(id string) string {
	return objectstore.RenditionPrefix + id + "/thumb.jpg"
}

func contentTypeFor(mediaType model.MediaType, q model.Quality) string {
	switch q {
	case model.QualityWebP:
		return "image/webp"
	case model.QualityAAC:
		return "audio/aac"
	}
	if mediaType == model.MediaAudio {
		return "audio/aac"
	}
	return "video/mp4"
}

func bestOf(paths map[model.Quality]string) string {
	for _, q := range []model.Quality{model.Quality1080p, model.Quality720p, model.Quality480p, model.QualityWebP, model.QualityAAC} {
		if p, ok := paths[q]; ok && p != "" {
			return p
		}
	}
	return ""
}

func failure(mediaID string, err error) model.ProcessResult {
	return model.ProcessResult{MediaID: mediaID, Error: err.Error()}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
