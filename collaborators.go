package mediaq

import (
	"context"
	"time"

	"github.com/UniQw/mediaq/internal/compress"
	"github.com/UniQw/mediaq/internal/tempfs"
	"github.com/UniQw/mediaq/internal/transfer"
)

// EntityCreator creates the owning record before its media is queued.
type EntityCreator interface {
	CreateEntity(ctx context.Context, data any) (id string, err error)
}

// InitRequest announces the files of one media session.
type InitRequest struct {
	EntityID     string   `json:"entityId"`
	FileNames    []string `json:"fileNames"`
	ContentTypes []string `json:"contentTypes"`
}

// InitResponse carries one upload URL and one destination path per announced file,
// positionally aligned with InitRequest.FileNames.
type InitResponse struct {
	SessionID  string   `json:"sessionId" validate:"required"`
	UploadURLs []string `json:"uploadUrls" validate:"required,dive,url"`
	FilePaths  []string `json:"filePaths" validate:"required,eqfield=UploadURLs,dive,required"`
}

// CompleteRequest tells the backend which announced paths received data.
type CompleteRequest struct {
	EntityID          string   `json:"entityId"`
	SessionID         string   `json:"sessionId"`
	Success           bool     `json:"success"`
	UploadedFilePaths []string `json:"uploadedFilePaths"`
}

// MediaSession issues per-file destinations and is told which of them landed.
type MediaSession interface {
	InitMediaUpload(ctx context.Context, req InitRequest) (*InitResponse, error)
	CompleteMediaProcessing(ctx context.Context, req CompleteRequest) error
}

// DirectUploader is the fallback path used when a media session cannot be opened:
// multipart posts to fixed collection endpoints returning public URLs.
type DirectUploader interface {
	UploadImages(ctx context.Context, entityID string, files []UploadFile, progress func(float64)) ([]string, error)
	UploadVideo(ctx context.Context, entityID string, file UploadFile, progress func(float64)) (string, error)
}

// Uploader transfers one file to a per-file destination URL.
type Uploader interface {
	Put(ctx context.Context, dest string, f UploadFile, progress func(float64)) error
}

// KeyValue is durable string storage. Get reports ok=false for a missing key.
type KeyValue interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// FileSystem is the local filesystem view used for size checks and cleanup.
type FileSystem = tempfs.FS

// UploadFile is one local file handed to an Uploader or DirectUploader.
type UploadFile = transfer.File

// CompressedFile is the accepted output of a compression ladder.
type CompressedFile = compress.Output

// ImageCompressor runs the image quality ladder. Every written path is passed to track.
type ImageCompressor interface {
	Compress(ctx context.Context, uri string, track func(path string)) (*CompressedFile, error)
}

// VideoCompressor runs the video quality ladder and measures clip durations.
type VideoCompressor interface {
	Compress(ctx context.Context, uri string, track func(path string)) (*CompressedFile, error)
	Probe(ctx context.Context, uri string) (time.Duration, error)
}
