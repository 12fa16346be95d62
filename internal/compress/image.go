package compress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/UniQw/mediaq/internal/ladder"
	"github.com/UniQw/mediaq/internal/metrics"
	"github.com/UniQw/mediaq/internal/tempfs"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp" // registers the webp decoder used by imaging.Open
)

// ImagePreset bounds the output box and sets the JPEG quality.
type ImagePreset struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

func (p ImagePreset) String() string {
	return fmt.Sprintf("%dx%d@q%d", p.MaxWidth, p.MaxHeight, p.Quality)
}

// ImageLadder is ordered from highest to lowest quality.
var ImageLadder = []ImagePreset{
	{MaxWidth: 2048, MaxHeight: 2048, Quality: 85},
	{MaxWidth: 1600, MaxHeight: 1600, Quality: 75},
	{MaxWidth: 1280, MaxHeight: 1280, Quality: 60},
}

const (
	// ImageBudget is the largest accepted compressed image.
	ImageBudget int64 = 2 << 20
	// ImageAttemptTimeout bounds decoding and each encode attempt.
	ImageAttemptTimeout = 30 * time.Second
)

// Images compresses pictures to JPEG.
type Images struct {
	Dir     string
	Budget  int64
	Presets []ImagePreset
	Timeout time.Duration
	FS      tempfs.FS
	Log     Logger
}

// NewImages returns an image compressor writing into dir with the default ladder.
func NewImages(dir string, log Logger) *Images {
	if log == nil {
		log = noopLogger{}
	}
	return &Images{
		Dir:     dir,
		Budget:  ImageBudget,
		Presets: ImageLadder,
		Timeout: ImageAttemptTimeout,
		FS:      tempfs.OS{},
		Log:     log,
	}
}

// Compress decodes uri once and encodes it with each preset until the output fits the
// budget. Every path written, accepted or not, is passed to track before writing.
func (c *Images) Compress(ctx context.Context, uri string, track func(path string)) (*Output, error) {
	src, err := LocalPath(uri)
	if err != nil {
		return nil, &Error{Kind: "image", Op: "resolve", Err: err}
	}
	if err := sniff(src, "image"); err != nil {
		return nil, &Error{Kind: "image", Op: "sniff", Err: err}
	}
	img, err := race(ctx, c.Timeout, func() (image.Image, error) {
		return imaging.Open(src, imaging.AutoOrientation(true))
	})
	if err != nil {
		return nil, &Error{Kind: "image", Op: "decode", Err: err}
	}

	try := func(ctx context.Context, p ImagePreset) (*Output, error) {
		// Encode in memory so an abandoned attempt never writes a file behind cleanup.
		encoded, err := race(ctx, c.Timeout, func() ([]byte, error) {
			fitted := imaging.Fit(img, p.MaxWidth, p.MaxHeight, imaging.Lanczos)
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		})
		if err != nil {
			metrics.CompressionAttemptsTotal.WithLabelValues("image", metrics.OutcomeError).Inc()
			return nil, err
		}
		out := filepath.Join(c.Dir, "img-"+uuid.NewString()+".jpg")
		track(out)
		if err := os.WriteFile(out, encoded, 0o600); err != nil {
			metrics.CompressionAttemptsTotal.WithLabelValues("image", metrics.OutcomeError).Inc()
			return nil, err
		}
		size, err := c.FS.Stat(out)
		if err != nil {
			metrics.CompressionAttemptsTotal.WithLabelValues("image", metrics.OutcomeError).Inc()
			return nil, err
		}
		c.Log.Debugf("image attempt: src=%s preset=%s size=%d budget=%d", filepath.Base(src), p, size, c.Budget)
		return &Output{Path: out, Size: size, ContentType: "image/jpeg", Preset: p.String()}, nil
	}
	accept := func(o *Output) bool {
		fits := o.Size <= c.Budget
		outcome := metrics.OutcomeOverBudget
		if fits {
			outcome = metrics.OutcomeAccepted
		}
		metrics.CompressionAttemptsTotal.WithLabelValues("image", outcome).Inc()
		return fits
	}

	res, _, err := ladder.Run(ctx, c.Presets, try, accept)
	if err != nil {
		return nil, &Error{Kind: "image", Op: "ladder", Err: err}
	}
	return res, nil
}
