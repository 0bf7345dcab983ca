// Package api exposes the HTTP surface: uploads, asset visibility, signed
// URL issuance, and the HMAC-validated public fallback path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/driftbyte/mediaflow/internal/config"
	"github.com/driftbyte/mediaflow/internal/imageproc"
	"github.com/driftbyte/mediaflow/internal/loader"
	"github.com/driftbyte/mediaflow/internal/model"
	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/repository"
	"github.com/driftbyte/mediaflow/internal/signing"
)

// Enqueuer schedules pipeline runs. queue.Enqueuer satisfies it; tests use
// a recorder.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, trigger model.ProcessTrigger) error
}

// URLSource issues render URLs. urlcache.Cache satisfies it.
type URLSource interface {
	GetURL(ctx context.Context, path string, transform *objectstore.Transform) (string, error)
}

// Server exposes HTTP endpoints for uploads and asset visibility.
type Server struct {
	cfg    *config.Config
	repo   repository.AssetStore
	store  objectstore.Store
	urls   URLSource
	queue  Enqueuer
	signer *signing.Signer
	loads  *loader.Loader
	log    *logrus.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server. loads may be nil, disabling the preview route.
func New(cfg *config.Config, repo repository.AssetStore, store objectstore.Store, urls URLSource, queue Enqueuer, signer *signing.Signer, loads *loader.Loader, log *logrus.Logger) *Server {
	return &Server{
		cfg:    cfg,
		repo:   repo,
		store:  store,
		urls:   urls,
		queue:  queue,
		signer: signer,
		loads:  loads,
		log:    log,
	}
}

// Handler builds the routed handler. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/media/events", s.handleEvent)
	mux.HandleFunc("/media/", s.handleMediaRoute)
	mux.HandleFunc("/public/", s.handlePublic)
	return corsMiddleware(loggingMiddleware(s.log, mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("address", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMediaRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/media/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleAsset(w, r, id)
		return
	}
	switch parts[1] {
	case "url":
		s.handleAssetURL(w, r, id)
	case "thumbnail":
		s.handleThumbnailURL(w, r, id)
	case "reprocess":
		s.handleReprocess(w, r, id)
	case "preview":
		s.handlePreview(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handlePreview runs a progressive load server-side and returns the best
// tier reached within a short window, for callers that render previews
// without running the loader themselves.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.loads == nil {
		http.NotFound(w, r)
		return
	}
	asset, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	path, ok := asset.BestQuality()
	if !ok {
		path = asset.OriginalPath
	}
	in := s.loads.NewInstance(path, "")
	defer in.Close()
	in.Load(r.Context())

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-in.Updates():
			if snap.Tier >= loader.TierLow || snap.Err != "" {
				respondPreview(s.log, w, snap)
				return
			}
		case <-timeout:
			respondPreview(s.log, w, in.Snapshot())
			return
		case <-r.Context().Done():
			return
		}
	}
}

func respondPreview(log *logrus.Logger, w http.ResponseWriter, snap loader.Snapshot) {
	respondJSON(log, w, http.StatusOK, map[string]string{
		"tier":        snap.Tier.String(),
		"placeholder": snap.Placeholder,
		"url":         snap.CurrentURL,
	})
}

// handleEvent accepts an externally produced trigger, for callers that
// already uploaded straight to the object store.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var trigger model.ProcessTrigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		http.Error(w, "invalid trigger payload", http.StatusBadRequest)
		return
	}
	if trigger.MediaID == "" {
		http.Error(w, "mediaId is required", http.StatusBadRequest)
		return
	}
	if _, err := s.repo.Get(r.Context(), trigger.MediaID); err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	if err := s.queue.EnqueueProcess(r.Context(), trigger); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(s.log, w, http.StatusAccepted, map[string]string{
		"id":     trigger.MediaID,
		"status": string(model.StatusPending),
	})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	respondJSON(s.log, w, http.StatusOK, asset)
}

func (s *Server) handleAssetURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	path, ok := asset.BestQuality()
	if !ok {
		respondJSON(s.log, w, http.StatusConflict, map[string]string{
			"status": string(asset.Status),
			"error":  "no rendition available yet",
		})
		return
	}
	if q := r.URL.Query().Get("quality_tier"); q != "" {
		if p, found := asset.ProcessedPaths[model.Quality(q)]; found {
			path = p
		}
	}
	url, err := s.urls.GetURL(r.Context(), path, parseTransform(r))
	if err != nil {
		s.log.WithError(err).Error("url issuance failed")
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(s.log, w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleThumbnailURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	if asset.ThumbnailPath == nil || *asset.ThumbnailPath == "" {
		http.Error(w, "thumbnail unavailable", http.StatusNotFound)
		return
	}
	url, err := s.urls.GetURL(r.Context(), *asset.ThumbnailPath, nil)
	if err != nil {
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(s.log, w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asset, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	trigger := model.ProcessTrigger{
		MediaID:      asset.ID,
		OriginalPath: asset.OriginalPath,
		MimeType:     asset.MimeType,
		MediaType:    asset.MediaType,
		Force:        true,
	}
	if err := s.queue.EnqueueProcess(r.Context(), trigger); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(s.log, w, http.StatusAccepted, map[string]string{
		"id":     asset.ID,
		"status": string(model.StatusPending),
	})
}

// handlePublic serves objects through HMAC-signed public paths, the
// degraded route used when presigning is unavailable.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.signer == nil {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/public/")
	q := r.URL.Query()
	expires := q.Get("expires")
	if !s.signer.Validate(path, expires, q.Get("signature")) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if time.Now().Unix() > exp {
		http.Error(w, "link expired", http.StatusForbidden)
		return
	}
	obj, err := s.store.Stream(r.Context(), path)
	if err != nil {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}
	defer obj.Close()
	w.Header().Set("Cache-Control", "private, max-age=60")
	if _, err := io.Copy(w, obj); err != nil {
		s.log.WithError(err).Debug("public stream interrupted")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	mediaType, ok := classifyMedia(tmp.contentType, tmp.filename)
	if !ok {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	mediaID := uuid.NewString()
	objectKey := fmt.Sprintf("%s%s/%s", objectstore.OriginalPrefix, mediaID, filepath.Base(tmp.filename))
	if err := s.uploadToStorage(ctx, objectKey, tmp); err != nil {
		s.log.WithError(err).Error("upload to storage failed")
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	asset := &model.Asset{
		ID:                mediaID,
		OriginalPath:      objectKey,
		MimeType:          tmp.contentType,
		MediaType:         mediaType,
		OriginalSizeBytes: tmp.size,
	}
	if err := s.repo.Create(ctx, asset); err != nil {
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	trigger := model.ProcessTrigger{
		MediaID:      mediaID,
		OriginalPath: objectKey,
		MimeType:     tmp.contentType,
		MediaType:    mediaType,
	}
	if err := s.queue.EnqueueProcess(ctx, trigger); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(s.log, w, http.StatusAccepted, map[string]string{
		"id":     mediaID,
		"status": string(model.StatusPending),
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp spools the multipart part to disk while sniffing the content
// type, so the request body is never held in memory.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "mediaflow-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.bin"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, objectKey string, tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return err
	}
	return s.store.Upload(ctx, objectKey, tmp.f, tmp.size, tmp.contentType)
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// classifyMedia maps a sniffed content type (with an extension fallback
// for formats http.DetectContentType cannot identify) to a media class.
func classifyMedia(contentType, filename string) (model.MediaType, bool) {
	switch {
	case strings.HasPrefix(contentType, "video/"):
		return model.MediaVideo, true
	case strings.HasPrefix(contentType, "image/"):
		return model.MediaImage, true
	case strings.HasPrefix(contentType, "audio/"):
		return model.MediaAudio, true
	}
	if imageproc.NeedsConversion(filename) {
		return model.MediaImage, true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return model.MediaVideo, true
	case ".mp3", ".wav", ".flac", ".m4a", ".ogg", ".aac":
		return model.MediaAudio, true
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return model.MediaImage, true
	}
	return "", false
}

func parseTransform(r *http.Request) *objectstore.Transform {
	q := r.URL.Query()
	t := objectstore.Transform{
		Width:   atoi(q.Get("width")),
		Height:  atoi(q.Get("height")),
		Quality: atoi(q.Get("quality")),
		Fit:     q.Get("resize"),
	}
	if t.IsZero() {
		return nil
	}
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func respondJSON(log *logrus.Logger, w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Debug("encode response")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
