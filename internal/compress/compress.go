// Package compress shrinks picked media below a size budget by walking a ladder of
// quality presets from best to worst and keeping the first output that fits.
package compress

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Logger mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// ErrUnsupportedSource is returned for sources that cannot be opened as local files.
var ErrUnsupportedSource = errors.New("unsupported source uri")

// Error describes a failed compression of one asset.
type Error struct {
	Kind string // "image" or "video"
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("compress %s: %s: %v", e.Kind, e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Output is an accepted compressed file.
type Output struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Preset      string `json:"preset"`
}

// LocalPath resolves a picked uri to a filesystem path. Only file:// uris and absolute
// paths are local; other schemes must be resolved by the host before submission.
func LocalPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "/") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, uri)
	}
	return u.Path, nil
}

// sniff checks that the content of path starts like the expected media family.
func sniff(path, family string) error {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(m.String(), family+"/") {
		return fmt.Errorf("content is %s, not %s", m.String(), family)
	}
	return nil
}

// race runs fn and gives up after d or when ctx ends, whichever comes first.
// An abandoned fn keeps running in the background, so fn must not write files.
func race[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
