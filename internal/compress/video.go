package compress

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/mediaq/internal/ladder"
	"github.com/UniQw/mediaq/internal/metrics"
	"github.com/UniQw/mediaq/internal/tempfs"
	"github.com/google/uuid"
)

// VideoPreset sets the target video bitrate (kbit/s) and the resolution scale.
type VideoPreset struct {
	Bitrate int
	Scale   float64
}

func (p VideoPreset) String() string { return fmt.Sprintf("%dk@x%.2f", p.Bitrate, p.Scale) }

// VideoLadder is ordered from highest to lowest quality.
var VideoLadder = []VideoPreset{
	{Bitrate: 2500, Scale: 1.0},
	{Bitrate: 1500, Scale: 0.75},
	{Bitrate: 900, Scale: 0.5},
}

const (
	// VideoBudget is the largest accepted compressed video.
	VideoBudget int64 = 50 << 20
	// VideoAttemptTimeout bounds one ffmpeg run.
	VideoAttemptTimeout = 5 * time.Minute
	// probeTimeout bounds one ffprobe run.
	probeTimeout = 30 * time.Second
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Videos transcodes clips to H.264/AAC MP4 with ffmpeg.
type Videos struct {
	Dir     string
	Budget  int64
	Presets []VideoPreset
	Timeout time.Duration
	FS      tempfs.FS
	Runner  Runner
	FFmpeg  string
	FFprobe string
	Log     Logger
}

// NewVideos returns a video compressor writing into dir with the default ladder.
func NewVideos(dir string, log Logger) *Videos {
	if log == nil {
		log = noopLogger{}
	}
	return &Videos{
		Dir:     dir,
		Budget:  VideoBudget,
		Presets: VideoLadder,
		Timeout: VideoAttemptTimeout,
		FS:      tempfs.OS{},
		Runner:  ExecRunner{},
		FFmpeg:  "ffmpeg",
		FFprobe: "ffprobe",
		Log:     log,
	}
}

// Probe measures the duration of the clip at uri.
func (c *Videos) Probe(ctx context.Context, uri string) (time.Duration, error) {
	src, err := LocalPath(uri)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := c.Runner.Run(ctx, c.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		src,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Compress transcodes uri with each preset until the output fits the budget.
// Every path written, accepted or not, is passed to track before writing.
func (c *Videos) Compress(ctx context.Context, uri string, track func(path string)) (*Output, error) {
	src, err := LocalPath(uri)
	if err != nil {
		return nil, &Error{Kind: "video", Op: "resolve", Err: err}
	}
	if err := sniff(src, "video"); err != nil {
		return nil, &Error{Kind: "video", Op: "sniff", Err: err}
	}

	try := func(ctx context.Context, p VideoPreset) (*Output, error) {
		out := filepath.Join(c.Dir, "vid-"+uuid.NewString()+".mp4")
		track(out)
		if err := c.transcode(ctx, src, out, p); err != nil {
			metrics.CompressionAttemptsTotal.WithLabelValues("video", metrics.OutcomeError).Inc()
			c.Log.Warnf("video attempt failed: src=%s preset=%s err=%v", filepath.Base(src), p, err)
			return nil, err
		}
		size, err := c.FS.Stat(out)
		if err != nil {
			metrics.CompressionAttemptsTotal.WithLabelValues("video", metrics.OutcomeError).Inc()
			return nil, err
		}
		c.Log.Debugf("video attempt: src=%s preset=%s size=%d budget=%d", filepath.Base(src), p, size, c.Budget)
		return &Output{Path: out, Size: size, ContentType: "video/mp4", Preset: p.String()}, nil
	}
	accept := func(o *Output) bool {
		fits := o.Size <= c.Budget
		outcome := metrics.OutcomeOverBudget
		if fits {
			outcome = metrics.OutcomeAccepted
		}
		metrics.CompressionAttemptsTotal.WithLabelValues("video", outcome).Inc()
		return fits
	}

	res, _, err := ladder.Run(ctx, c.Presets, try, accept)
	if err != nil {
		return nil, &Error{Kind: "video", Op: "ladder", Err: err}
	}
	return res, nil
}

func (c *Videos) transcode(ctx context.Context, src, out string, p VideoPreset) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	scale := fmt.Sprintf("scale=trunc(iw*%.2f/2)*2:trunc(ih*%.2f/2)*2", p.Scale, p.Scale)
	bitrate := strconv.Itoa(p.Bitrate) + "k"
	output, err := c.Runner.Run(ctx, c.FFmpeg,
		"-y",
		"-i", src,
		"-vf", scale,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", strconv.Itoa(p.Bitrate*2)+"k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		out,
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ffmpeg: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("ffmpeg error: %w, output: %s", err, tail(output, 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
