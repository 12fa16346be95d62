// Package validate holds the pure input checks applied to media submissions.
// Nothing here performs I/O; bad input is reported through Result, never panics.
package validate

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Code identifies why an input was rejected.
type Code string

const (
	CodeInvalidURI       Code = "INVALID_URI"
	CodeInvalidMimeType  Code = "INVALID_MIME_TYPE"
	CodeInvalidExtension Code = "INVALID_EXTENSION"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeFileTooSmall     Code = "FILE_TOO_SMALL"
	CodeDurationTooLong  Code = "DURATION_TOO_LONG"
	CodeTooManyImages    Code = "TOO_MANY_IMAGES"
	CodeInvalidEntityID  Code = "INVALID_ENTITY_ID"
)

const (
	// MaxImages is the per-entity ceiling on submitted images.
	MaxImages = 20
	// MaxImageSize is the raw (pre-compression) image ceiling.
	MaxImageSize int64 = 25 << 20
	// MaxVideoSize is the raw (pre-compression) video ceiling.
	MaxVideoSize int64 = 500 << 20
	// MinFileSize rejects near-empty files as corrupt.
	MinFileSize int64 = 1 << 10
	// MaxVideoDuration is the longest accepted video.
	MaxVideoDuration = 180 * time.Second
)

var (
	imageMimeTypes = map[string]bool{
		"image/jpeg": true,
		"image/jpg":  true,
		"image/png":  true,
		"image/webp": true,
	}
	imageExtensions = map[string]bool{
		".jpg":  true,
		".jpeg": true,
		".png":  true,
		".webp": true,
	}
	videoMimeTypes = map[string]bool{
		"video/mp4":       true,
		"video/quicktime": true,
		"video/x-m4v":     true,
		"video/3gpp":      true,
	}
	videoExtensions = map[string]bool{
		".mp4": true,
		".mov": true,
		".m4v": true,
		".3gp": true,
	}
)

// Asset describes one picked image or video. Zero Size or Duration means unknown.
type Asset struct {
	URI      string        `json:"uri"`
	MimeType string        `json:"mime_type,omitempty"`
	FileName string        `json:"file_name,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Result is the outcome of a single check.
type Result struct {
	Valid bool
	Error string
	Code  Code
}

// Err converts an invalid Result into an *Error, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Code: r.Code, Msg: r.Error}
}

// Error is the error form of a failed check.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("validation %s: %s", e.Code, e.Msg) }

func ok() Result { return Result{Valid: true} }

func fail(code Code, format string, args ...any) Result {
	return Result{Code: code, Error: fmt.Sprintf(format, args...)}
}

// Image checks an image descriptor against the image allow-lists and size limits.
func Image(a Asset) Result {
	return asset(a, "image", imageMimeTypes, imageExtensions, MaxImageSize)
}

// Video checks a video descriptor; a known duration must not exceed MaxVideoDuration.
func Video(a Asset) Result {
	if r := asset(a, "video", videoMimeTypes, videoExtensions, MaxVideoSize); !r.Valid {
		return r
	}
	if a.Duration > MaxVideoDuration {
		return fail(CodeDurationTooLong, "video is %s long, maximum is %s", a.Duration.Round(time.Second), MaxVideoDuration)
	}
	return ok()
}

func asset(a Asset, kind string, mimes, exts map[string]bool, maxSize int64) Result {
	if strings.TrimSpace(a.URI) == "" {
		return fail(CodeInvalidURI, "%s uri is empty", kind)
	}
	if a.MimeType != "" && !mimes[strings.ToLower(a.MimeType)] {
		return fail(CodeInvalidMimeType, "%s type %q is not allowed", kind, a.MimeType)
	}
	if ext, derivable := extension(a); derivable && !exts[ext] {
		return fail(CodeInvalidExtension, "%s extension %q is not allowed", kind, ext)
	}
	if a.Size > 0 {
		if a.Size > maxSize {
			return fail(CodeFileTooLarge, "%s is %d bytes, maximum is %d", kind, a.Size, maxSize)
		}
		if a.Size < MinFileSize {
			return fail(CodeFileTooSmall, "%s is %d bytes, file looks corrupt", kind, a.Size)
		}
	}
	return ok()
}

// extension returns the lower-cased extension and whether one could be derived.
// An explicit file name always counts as derivable, even without an extension.
func extension(a Asset) (string, bool) {
	if a.FileName != "" {
		return strings.ToLower(path.Ext(a.FileName)), true
	}
	p := a.URI
	if u, err := url.Parse(a.URI); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	return ext, ext != ""
}

// Count rejects submissions with more than MaxImages images.
func Count(n int) Result {
	if n > MaxImages {
		return fail(CodeTooManyImages, "%d images submitted, maximum is %d", n, MaxImages)
	}
	return ok()
}

var (
	uuidPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericPattern = regexp.MustCompile(`^[0-9]{1,19}$`)
)

// EntityID accepts a canonical UUID or a purely numeric id.
func EntityID(id string) Result {
	if uuidPattern.MatchString(id) || numericPattern.MatchString(id) {
		return ok()
	}
	return fail(CodeInvalidEntityID, "entity id %q is neither a uuid nor numeric", id)
}
