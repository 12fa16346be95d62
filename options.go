package mediaq

import (
	"os"
	"path/filepath"
	"time"

	"github.com/UniQw/mediaq/internal/compress"
	"github.com/UniQw/mediaq/internal/tempfs"
)

const (
	// MaxRetries is how often a failed or partial task may be retried.
	MaxRetries = 3
	// SettleDelay postpones resumed tasks after Start.
	SettleDelay = 2 * time.Second
)

type options struct {
	namespace   string
	log         Logger
	enc         Encoder
	fs          FileSystem
	tempDir     string
	maxRetries  int
	settleDelay time.Duration
	retryDelay  func(attempt int) time.Duration

	creator  EntityCreator
	session  MediaSession
	direct   DirectUploader
	uploader Uploader
	images   ImageCompressor
	videos   VideoCompressor
}

// Option configures a Store or Processor.
type Option func(*options)

func defaultOptions() options {
	return options{
		namespace:   "default",
		log:         NewFmtLogger(),
		enc:         &JSONEncoder{},
		fs:          tempfs.OS{},
		tempDir:     filepath.Join(os.TempDir(), "mediaq"),
		maxRetries:  MaxRetries,
		settleDelay: SettleDelay,
		retryDelay:  RetryDelay,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.images == nil {
		c := compress.NewImages(o.tempDir, o.log)
		c.FS = o.fs
		o.images = c
	}
	if o.videos == nil {
		c := compress.NewVideos(o.tempDir, o.log)
		c.FS = o.fs
		o.videos = c
	}
	return o
}

// WithNamespace separates the persisted state of several stores sharing one KeyValue.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithEncoder sets the task map encoder.
func WithEncoder(e Encoder) Option {
	return func(o *options) {
		if e != nil {
			o.enc = e
		}
	}
}

// WithFileSystem replaces the local filesystem used for size checks and cleanup.
func WithFileSystem(fs FileSystem) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithTempDir sets where compressed files are written.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithMaxRetries sets the maximum number of retries per task.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithSettleDelay sets how long Start waits before resuming pending tasks.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settleDelay = d }
}

// WithRetryDelay replaces the backoff used by Retry.
func WithRetryDelay(fn func(attempt int) time.Duration) Option {
	return func(o *options) {
		if fn != nil {
			o.retryDelay = fn
		}
	}
}

// WithEntityCreator sets the collaborator used by Submit.
func WithEntityCreator(c EntityCreator) Option {
	return func(o *options) { o.creator = c }
}

// WithMediaSession sets the collaborator that issues per-file upload URLs.
// Files are sent to the issued URLs with u.
func WithMediaSession(s MediaSession, u Uploader) Option {
	return func(o *options) {
		o.session = s
		o.uploader = u
	}
}

// WithDirectUploader sets the multipart fallback used when no media session can be opened.
func WithDirectUploader(d DirectUploader) Option {
	return func(o *options) { o.direct = d }
}

// WithBackend wires an HTTPBackend as entity creator, media session and direct uploader.
func WithBackend(b *HTTPBackend) Option {
	return func(o *options) {
		o.creator = b
		o.session = b
		o.uploader = b.Transfer()
		o.direct = b
	}
}

// WithImageCompressor replaces the image ladder.
func WithImageCompressor(c ImageCompressor) Option {
	return func(o *options) { o.images = c }
}

// WithVideoCompressor replaces the video ladder.
func WithVideoCompressor(c VideoCompressor) Option {
	return func(o *options) { o.videos = c }
}
