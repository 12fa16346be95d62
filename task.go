package mediaq

import (
	"slices"

	"github.com/UniQw/mediaq/internal/validate"
)

// MediaAsset describes one picked image or video: source URI, declared MIME type,
// optional file name, declared size and, for video, declared duration.
// Zero Size or Duration means unknown.
type MediaAsset = validate.Asset

// UploadTask is one media submission for one owning entity.
// It is serialized to JSON and persisted as part of the task map.
type UploadTask struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// EntityID is the external record the media belongs to. Immutable.
	EntityID string `json:"entity_id"`
	// Status is the current lifecycle position.
	Status Status `json:"status"`
	// Progress is the current run's progress (0..100), monotonic within a run.
	Progress int `json:"progress"`
	// Images are the submitted images in input order.
	Images []MediaAsset `json:"images"`
	// Video is the optional submitted video.
	Video *MediaAsset `json:"video,omitempty"`
	// RetryCount is the number of retries requested so far.
	RetryCount int `json:"retry_count"`

	// UploadedImageURLs are the destination references of every image that landed,
	// across all runs.
	UploadedImageURLs []string `json:"uploaded_image_urls,omitempty"`
	// UploadedImageSources are the input indices of images that landed. A retry skips them.
	UploadedImageSources []int `json:"uploaded_image_sources,omitempty"`
	// FailedImageIndices are input positions of images that did not land in the last
	// run, whether they failed validation, compression or upload.
	FailedImageIndices []int `json:"failed_image_indices,omitempty"`
	// RejectedImageIndices is the subset of FailedImageIndices that never reached
	// upload because validation or compression failed.
	RejectedImageIndices []int `json:"rejected_image_indices,omitempty"`
	// VideoUploaded is set once the video landed.
	VideoUploaded bool `json:"video_uploaded"`
	// VideoURL is the destination reference of the landed video.
	VideoURL string `json:"video_url,omitempty"`
	// VideoRejected is set when the video failed validation or compression in the last run.
	VideoRejected bool `json:"video_rejected,omitempty"`
	// SessionID is the media session of the last run, empty on the direct upload path.
	SessionID string `json:"session_id,omitempty"`

	// Error is the human-readable reason of a failed or partial outcome.
	Error string `json:"error,omitempty"`
	// ErrorType categorizes Error.
	ErrorType ErrorType `json:"error_type,omitempty"`

	// CreatedAt is the timestamp (ms) when the task was enqueued.
	CreatedAt int64 `json:"created_at,omitempty"`
	// StartedAt is the timestamp (ms) when the current or last run started.
	StartedAt int64 `json:"started_at,omitempty"`
	// CompletedAt is the timestamp (ms) when the last run reached a terminal status.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (t *UploadTask) Clone() *UploadTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Images = slices.Clone(t.Images)
	if t.Video != nil {
		v := *t.Video
		c.Video = &v
	}
	c.UploadedImageURLs = slices.Clone(t.UploadedImageURLs)
	c.UploadedImageSources = slices.Clone(t.UploadedImageSources)
	c.FailedImageIndices = slices.Clone(t.FailedImageIndices)
	c.RejectedImageIndices = slices.Clone(t.RejectedImageIndices)
	return &c
}

// imageDone reports whether the input image at index i already landed.
func (t *UploadTask) imageDone(i int) bool { return slices.Contains(t.UploadedImageSources, i) }

// landedAny reports whether any asset of this task has landed in any run.
func (t *UploadTask) landedAny() bool { return len(t.UploadedImageSources) > 0 || t.VideoUploaded }

// FailedImages is the number of images that did not land in the last run.
func (t *UploadTask) FailedImages() int {
	return len(t.FailedImageIndices)
}
