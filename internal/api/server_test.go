package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftbyte/mediaflow/internal/config"
	"github.com/driftbyte/mediaflow/internal/loader"
	"github.com/driftbyte/mediaflow/internal/model"
	"github.com/driftbyte/mediaflow/internal/objectstore"
	"github.com/driftbyte/mediaflow/internal/repository"
	"github.com/driftbyte/mediaflow/internal/signing"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (s *fakeObjects) Upload(_ context.Context, path string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return nil
}

func (s *fakeObjects) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("no object %s", path)
	}
	return data, nil
}

func (s *fakeObjects) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	data, err := s.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjects) Stat(ctx context.Context, path string) (int64, error) {
	data, err := s.Download(ctx, path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *fakeObjects) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *fakeObjects) PresignGet(_ context.Context, path string, _ *objectstore.Transform, _ time.Duration) (string, error) {
	return "https://store.test/" + path, nil
}

type fakeURLs struct {
	lastPath      string
	lastTransform *objectstore.Transform
}

func (f *fakeURLs) GetURL(_ context.Context, path string, transform *objectstore.Transform) (string, error) {
	f.lastPath = path
	f.lastTransform = transform
	return "https://signed.test/" + path, nil
}

type recordEnqueuer struct {
	triggers []model.ProcessTrigger
}

func (r *recordEnqueuer) EnqueueProcess(_ context.Context, trigger model.ProcessTrigger) error {
	r.triggers = append(r.triggers, trigger)
	return nil
}

type env struct {
	repo    *repository.MemoryStore
	store   *fakeObjects
	urls    *fakeURLs
	queue   *recordEnqueuer
	signer  *signing.Signer
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := &env{
		repo:   repository.NewMemoryStore(),
		store:  newFakeObjects(),
		urls:   &fakeURLs{},
		queue:  &recordEnqueuer{},
		signer: signing.NewSigner([]byte("test-secret")),
	}
	loads := loader.New(loader.Options{Source: e.urls, Cache: loader.NewMemoryCache(), Debounce: time.Millisecond, Log: log})
	cfg := &config.Config{Address: ":0", MaxFileSize: 10 << 20}
	e.handler = New(cfg, e.repo, e.store, e.urls, e.queue, e.signer, loads, log).Handler()
	return e
}

func (e *env) seed(t *testing.T, asset *model.Asset) {
	t.Helper()
	if err := e.repo.Create(context.Background(), asset); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadCreatesAssetAndQueuesJob(t *testing.T) {
	e := newEnv(t)
	body, contentType := multipartBody(t, "clip.mp4", []byte("fake video bytes"))

	req := httptest.NewRequest(http.MethodPost, "/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != string(model.StatusPending) {
		t.Errorf("status = %q, want pending", resp["status"])
	}

	asset, err := e.repo.Get(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("asset row missing: %v", err)
	}
	if asset.MediaType != model.MediaVideo {
		t.Errorf("media type = %s, want video", asset.MediaType)
	}
	wantKey := "originals/" + resp["id"] + "/clip.mp4"
	if asset.OriginalPath != wantKey {
		t.Errorf("original path = %q, want %q", asset.OriginalPath, wantKey)
	}
	if got := string(e.store.objects[wantKey]); got != "fake video bytes" {
		t.Errorf("stored object = %q", got)
	}
	if len(e.queue.triggers) != 1 || e.queue.triggers[0].MediaID != resp["id"] {
		t.Errorf("trigger not queued: %+v", e.queue.triggers)
	}
}

func TestUploadRejectsUnknownFormat(t *testing.T) {
	e := newEnv(t)
	body, contentType := multipartBody(t, "report.xyz", []byte("plain text content here"))

	req := httptest.NewRequest(http.MethodPost, "/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
	if len(e.queue.triggers) != 0 {
		t.Errorf("rejected upload must not queue a job")
	}
}

func TestGetAssetURLBeforeProcessingConflicts(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m1", OriginalPath: "originals/m1/a.mp4", MediaType: model.MediaVideo})

	req := httptest.NewRequest(http.MethodGet, "/media/m1/url", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetAssetURLUsesBestQualityAndTransform(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m2", OriginalPath: "originals/m2/a.mp4", MediaType: model.MediaVideo})
	e.repo.MarkProcessed(context.Background(), "m2", repository.ProcessedUpdate{
		ProcessedPaths: map[model.Quality]string{
			model.Quality1080p: "renditions/m2/1080p.mp4",
			model.Quality480p:  "renditions/m2/480p.mp4",
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/media/m2/url?width=640&quality=60", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if e.urls.lastPath != "renditions/m2/1080p.mp4" {
		t.Errorf("url path = %q, want best quality", e.urls.lastPath)
	}
	if e.urls.lastTransform == nil || e.urls.lastTransform.Width != 640 || e.urls.lastTransform.Quality != 60 {
		t.Errorf("transform not forwarded: %+v", e.urls.lastTransform)
	}
}

func TestGetAssetURLHonorsQualityTier(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m3", OriginalPath: "originals/m3/a.mp4", MediaType: model.MediaVideo})
	e.repo.MarkProcessed(context.Background(), "m3", repository.ProcessedUpdate{
		ProcessedPaths: map[model.Quality]string{
			model.Quality1080p: "renditions/m3/1080p.mp4",
			model.Quality480p:  "renditions/m3/480p.mp4",
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/media/m3/url?quality_tier=480p", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if e.urls.lastPath != "renditions/m3/480p.mp4" {
		t.Errorf("url path = %q, want requested tier", e.urls.lastPath)
	}
}

func TestThumbnailURLMissingIs404(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m4", OriginalPath: "originals/m4/a.mp4", MediaType: model.MediaVideo})

	req := httptest.NewRequest(http.MethodGet, "/media/m4/thumbnail", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReprocessQueuesForcedRun(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m5", OriginalPath: "originals/m5/a.mp4", MediaType: model.MediaVideo})

	req := httptest.NewRequest(http.MethodPost, "/media/m5/reprocess", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(e.queue.triggers) != 1 || !e.queue.triggers[0].Force {
		t.Fatalf("forced trigger not queued: %+v", e.queue.triggers)
	}
}

func TestEventEndpointQueuesTrigger(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m6", OriginalPath: "originals/m6/a.jpg", MediaType: model.MediaImage})

	payload, _ := json.Marshal(model.ProcessTrigger{MediaID: "m6", MediaType: model.MediaImage, SkipProcessing: true,
		ProcessedPaths: map[model.Quality]string{model.QualityWebP: "renditions/m6/main.webp"}})
	req := httptest.NewRequest(http.MethodPost, "/media/events", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(e.queue.triggers) != 1 || !e.queue.triggers[0].SkipProcessing {
		t.Fatalf("trigger not queued: %+v", e.queue.triggers)
	}
}

func TestEventEndpointUnknownMediaIs404(t *testing.T) {
	e := newEnv(t)
	payload, _ := json.Marshal(model.ProcessTrigger{MediaID: "nope"})
	req := httptest.NewRequest(http.MethodPost, "/media/events", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPublicPathValidatesSignature(t *testing.T) {
	e := newEnv(t)
	const path = "renditions/m7/thumb.jpg"
	e.store.objects[path] = []byte("jpegbytes")

	expires := time.Now().Add(time.Hour).Unix()
	sig := e.signer.Sign(path, expires)

	url := fmt.Sprintf("/public/%s?expires=%d&signature=%s", path, expires, sig)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "jpegbytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Tampered signature.
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/public/%s?expires=%d&signature=bad", path, expires), nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tampered signature status = %d, want 403", rec.Code)
	}

	// Expired but correctly signed link.
	past := time.Now().Add(-time.Hour).Unix()
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/public/%s?expires=%d&signature=%s", path, past, e.signer.Sign(path, past)), nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expired link status = %d, want 403", rec.Code)
	}
}

func TestClassifyMedia(t *testing.T) {
	cases := []struct {
		contentType string
		filename    string
		want        model.MediaType
		ok          bool
	}{
		{"video/mp4", "a.mp4", model.MediaVideo, true},
		{"image/jpeg", "a.jpg", model.MediaImage, true},
		{"audio/mpeg", "a.mp3", model.MediaAudio, true},
		{"application/octet-stream", "photo.heic", model.MediaImage, true},
		{"application/octet-stream", "clip.mov", model.MediaVideo, true},
		{"application/octet-stream", "song.flac", model.MediaAudio, true},
		{"application/octet-stream", "data.bin", "", false},
	}
	for _, tc := range cases {
		got, ok := classifyMedia(tc.contentType, tc.filename)
		if got != tc.want || ok != tc.ok {
			t.Errorf("classifyMedia(%q, %q) = (%v, %v), want (%v, %v)", tc.contentType, tc.filename, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPreviewReturnsLowTier(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &model.Asset{ID: "m8", OriginalPath: "originals/m8/a.jpg", MediaType: model.MediaImage})
	e.repo.MarkProcessed(context.Background(), "m8", repository.ProcessedUpdate{
		ProcessedPaths: map[model.Quality]string{model.QualityWebP: "renditions/m8/main.webp"},
	})

	req := httptest.NewRequest(http.MethodGet, "/media/m8/preview", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["tier"] != "low" {
		t.Errorf("tier = %q, want low", resp["tier"])
	}
	if resp["url"] != "https://signed.test/renditions/m8/main.webp" {
		t.Errorf("url = %q", resp["url"])
	}
	if resp["placeholder"] == "" {
		t.Errorf("placeholder missing from preview")
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
}
