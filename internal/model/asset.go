// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// ProcessingStatus describes the asset processing lifecycle.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusProcessed  ProcessingStatus = "processed"
	StatusFailed     ProcessingStatus = "failed"
)

// MediaType classifies what kind of media an asset holds.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// Quality names a rendition tier. Video assets may carry up to three,
// images a single WebP entry, audio a single AAC entry.
type Quality string

const (
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	QualityWebP  Quality = "webp"
	QualityAAC   Quality = "aac"
)

// Asset is one row in the assets table: an uploaded file plus every
// derived rendition produced for it.
type Asset struct {
	ID                 string             `json:"id"`
	OriginalPath       string             `json:"-"`
	ProcessedPath      *string            `json:"processedPath,omitempty"`
	ProcessedPaths     map[Quality]string `json:"processedPaths,omitempty"`
	ThumbnailPath      *string            `json:"thumbnailPath,omitempty"`
	MimeType           string             `json:"mimeType"`
	MediaType          MediaType          `json:"mediaType"`
	Status             ProcessingStatus   `json:"processingStatus"`
	ProcessingError    *string            `json:"processingError,omitempty"`
	OriginalSizeBytes  int64              `json:"originalSizeBytes"`
	OptimizedSizeBytes int64              `json:"optimizedSizeBytes"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// BestQuality returns the highest-quality rendition recorded for the
// asset, falling back to ProcessedPath when no per-quality map exists.
func (a *Asset) BestQuality() (string, bool) {
	for _, q := range []Quality{Quality1080p, Quality720p, Quality480p, QualityWebP, QualityAAC} {
		if p, ok := a.ProcessedPaths[q]; ok && p != "" {
			return p, true
		}
	}
	if a.ProcessedPath != nil && *a.ProcessedPath != "" {
		return *a.ProcessedPath, true
	}
	return "", false
}

// ProcessTrigger is the upload event delivered to the pipeline. When
// client-side optimization already produced final renditions the caller
// sets SkipProcessing and supplies the paths.
type ProcessTrigger struct {
	MediaID        string             `json:"mediaId"`
	OriginalPath   string             `json:"originalPath"`
	MimeType       string             `json:"mimeType"`
	MediaType      MediaType          `json:"mediaType"`
	ProcessedPaths map[Quality]string `json:"processedPaths,omitempty"`
	ThumbnailPath  string             `json:"thumbnailPath,omitempty"`
	SkipProcessing bool               `json:"skipProcessing"`
	Force          bool               `json:"force,omitempty"`
}

// ProcessResult is the pipeline response. Warning records degraded but
// successful outcomes; Error is set only on terminal failure.
type ProcessResult struct {
	Success        bool               `json:"success"`
	MediaID        string             `json:"mediaId"`
	ProcessedPath  string             `json:"processedPath,omitempty"`
	ProcessedPaths map[Quality]string `json:"processedPaths,omitempty"`
	ThumbnailPath  string             `json:"thumbnailPath,omitempty"`
	Warning        string             `json:"warning,omitempty"`
	Error          string             `json:"error,omitempty"`
}
