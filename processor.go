package mediaq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/mediaq/internal/metrics"
	"github.com/UniQw/mediaq/internal/tempfs"
	"github.com/UniQw/mediaq/internal/validate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Progress slices of one run on the 0..100 scale.
const (
	progressValidated   = 5
	progressImagesDone  = 30
	progressVideoDone   = 40
	progressSessionOpen = 45
	progressUploaded    = 95
	progressDone        = 100
)

var (
	errCancelled     = errors.New("mediaq: task cancelled")
	errNoDestination = errors.New("mediaq: no upload destination configured")
)

// UpdateFunc applies fn to the stored task and reports whether the task still exists.
// A false return means the task was cancelled and the run must stop.
type UpdateFunc func(fn func(t *UploadTask)) bool

// Processor runs the validate, compress, upload and finalize pipeline of one task.
type Processor struct {
	opts    options
	tracker *tempfs.Tracker
	tracer  trace.Tracer
}

// NewProcessor creates a standalone Processor. Stores build their own.
func NewProcessor(opts ...Option) *Processor {
	o := buildOptions(opts)
	return newProcessor(o, tempfs.NewTracker(o.fs))
}

func newProcessor(o options, tr *tempfs.Tracker) *Processor {
	return &Processor{opts: o, tracker: tr, tracer: otel.Tracer("github.com/UniQw/mediaq")}
}

// compressedAsset is one accepted compression output queued for upload.
type compressedAsset struct {
	out    *CompressedFile
	source int
	video  bool
	name   string
}

// run is the state of one processing attempt. t is the working copy; every change
// goes through mutate so the store sees progress in order.
type run struct {
	p       *Processor
	update  UpdateFunc
	log     Logger
	mu      sync.Mutex
	t       *UploadTask
	lastErr error
}

// Run processes task until it reaches a terminal status, the context is cancelled,
// or update reports the task gone. Temporary files are removed before Run returns.
func (p *Processor) Run(ctx context.Context, task *UploadTask, update UpdateFunc) {
	r := &run{p: p, update: update, log: p.opts.log, t: task.Clone()}
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	defer func() {
		if err := p.tracker.Cleanup(context.Background(), task.ID); err != nil {
			r.log.Warnf("cleanup: task=%s err=%v", task.ID, err)
		}
	}()

	ctx, span := p.tracer.Start(ctx, "mediaq.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("entity.id", task.EntityID),
		attribute.Int("task.retry", task.RetryCount),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.fail(span, fmt.Errorf("panic: %v", rec))
		}
	}()

	err := r.execute(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errCancelled) || ctx.Err() != nil:
		r.log.Infof("run: task=%s interrupted: %v", task.ID, err)
	default:
		r.fail(span, err)
	}
}

func (r *run) execute(ctx context.Context) error {
	if err := r.mutate(func(t *UploadTask) {
		t.Status = StatusValidating
		t.Progress = 0
		t.StartedAt = time.Now().UnixMilli()
		t.CompletedAt = 0
		t.Error = ""
		t.ErrorType = ""
		t.FailedImageIndices = nil
		t.RejectedImageIndices = nil
		t.VideoRejected = false
		t.SessionID = ""
	}); err != nil {
		return err
	}
	if err := ensureDir(r.p.opts.tempDir); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	r.log.Debugf("run: task=%s entity=%s images=%d video=%t retry=%d", r.t.ID, r.t.EntityID, len(r.t.Images), r.t.Video != nil, r.t.RetryCount)

	images, withVideo, err := r.validate(ctx)
	if err != nil {
		return err
	}
	assets, err := r.compress(ctx, images, withVideo)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		if r.landedAny() {
			return r.finish()
		}
		if r.lastErr != nil {
			return fmt.Errorf("%w: %w", ErrNothingProcessed, r.lastErr)
		}
		return ErrNothingProcessed
	}
	return r.upload(ctx, assets)
}

// validate re-checks the task and returns the input indices of images to compress.
func (r *run) validate(ctx context.Context) (images []int, withVideo bool, err error) {
	err = r.phase(ctx, "validate", func(ctx context.Context) error {
		if res := validate.EntityID(r.t.EntityID); !res.Valid {
			return res.Err()
		}
		if res := validate.Count(len(r.t.Images)); !res.Valid {
			return res.Err()
		}

		var rejected []int
		for i, img := range r.t.Images {
			if r.t.imageDone(i) {
				continue
			}
			if res := validate.Image(img); !res.Valid {
				r.log.Warnf("validate: task=%s image=%d rejected: %s", r.t.ID, i, res.Error)
				r.lastErr = res.Err()
				rejected = append(rejected, i)
				continue
			}
			images = append(images, i)
		}

		videoRejected := false
		if v := r.t.Video; v != nil && !r.t.VideoUploaded {
			if err := r.checkVideo(ctx, *v); err != nil {
				r.log.Warnf("validate: task=%s video rejected: %v", r.t.ID, err)
				r.lastErr = err
				videoRejected = true
			} else {
				withVideo = true
			}
		}

		return r.mutate(func(t *UploadTask) {
			t.RejectedImageIndices = rejected
			t.FailedImageIndices = slices.Clone(rejected)
			t.VideoRejected = videoRejected
			raise(t, progressValidated)
		})
	})
	return images, withVideo, err
}

// checkVideo validates v, measuring its duration first when it was not declared.
func (r *run) checkVideo(ctx context.Context, v MediaAsset) error {
	if res := validate.Video(v); !res.Valid {
		return res.Err()
	}
	if v.Duration > 0 || r.p.opts.videos == nil {
		return nil
	}
	d, err := r.p.opts.videos.Probe(ctx, v.URI)
	if err != nil {
		r.log.Debugf("validate: task=%s duration probe skipped: %v", r.t.ID, err)
		return nil
	}
	v.Duration = d
	if res := validate.Video(v); !res.Valid {
		return res.Err()
	}
	return nil
}

func (r *run) compress(ctx context.Context, images []int, withVideo bool) ([]compressedAsset, error) {
	var assets []compressedAsset
	err := r.phase(ctx, "compress", func(ctx context.Context) error {
		if err := r.mutate(func(t *UploadTask) { t.Status = StatusCompressing }); err != nil {
			return err
		}
		track := func(path string) { r.p.tracker.Track(r.t.ID, path) }

		for k, i := range images {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := r.p.opts.images.Compress(ctx, r.t.Images[i].URI, track)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				r.log.Warnf("compress: task=%s image=%d failed: %v", r.t.ID, i, err)
				r.lastErr = err
			} else {
				assets = append(assets, compressedAsset{out: out, source: i, name: fmt.Sprintf("image-%02d.jpg", i)})
			}
			pct := progressValidated + (progressImagesDone-progressValidated)*(k+1)/len(images)
			failed := err != nil
			if err := r.mutate(func(t *UploadTask) {
				if failed {
					t.RejectedImageIndices = append(t.RejectedImageIndices, i)
					t.FailedImageIndices = append(t.FailedImageIndices, i)
				}
				raise(t, pct)
			}); err != nil {
				return err
			}
		}

		videoRejected := false
		if withVideo {
			out, err := r.p.opts.videos.Compress(ctx, r.t.Video.URI, track)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				r.log.Warnf("compress: task=%s video failed: %v", r.t.ID, err)
				r.lastErr = err
				videoRejected = true
			} else {
				assets = append(assets, compressedAsset{out: out, source: -1, video: true, name: "video.mp4"})
			}
		}
		return r.mutate(func(t *UploadTask) {
			t.VideoRejected = t.VideoRejected || videoRejected
			raise(t, progressVideoDone)
		})
	})
	return assets, err
}

func (r *run) upload(ctx context.Context, assets []compressedAsset) error {
	if err := r.mutate(func(t *UploadTask) { t.Status = StatusUploading }); err != nil {
		return err
	}
	sess, err := r.openSession(ctx, assets)
	if err != nil {
		return err
	}
	if err := r.mutate(func(t *UploadTask) {
		if sess != nil {
			t.SessionID = sess.SessionID
		}
		raise(t, progressSessionOpen)
	}); err != nil {
		return err
	}

	landed := make([]string, 0, len(assets))
	err = r.phase(ctx, "upload", func(ctx context.Context) error {
		share := float64(progressUploaded-progressSessionOpen) / float64(len(assets))
		for k, a := range assets {
			if err := ctx.Err(); err != nil {
				return err
			}
			base := float64(progressSessionOpen) + share*float64(k)
			progress := func(f float64) {
				pct := int(base + share*f)
				r.mu.Lock()
				moved := pct > r.t.Progress
				r.mu.Unlock()
				if moved {
					_ = r.mutate(func(t *UploadTask) { raise(t, pct) })
				}
			}

			ref, err := r.send(ctx, sess, k, a, progress)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warnf("upload: task=%s file=%s failed: %v", r.t.ID, a.name, err)
				r.lastErr = err
				if err := r.mutate(func(t *UploadTask) {
					if !a.video {
						t.FailedImageIndices = append(t.FailedImageIndices, a.source)
					}
					raise(t, int(base+share))
				}); err != nil {
					return err
				}
				continue
			}

			metrics.UploadedBytesTotal.Add(float64(a.out.Size))
			landed = append(landed, ref)
			if err := r.mutate(func(t *UploadTask) {
				if a.video {
					t.VideoUploaded = true
					t.VideoURL = ref
				} else {
					t.UploadedImageURLs = append(t.UploadedImageURLs, ref)
					t.UploadedImageSources = append(t.UploadedImageSources, a.source)
				}
				raise(t, int(base+share))
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sess != nil {
		err = r.phase(ctx, "finalize", func(ctx context.Context) error {
			req := CompleteRequest{
				EntityID:          r.t.EntityID,
				SessionID:         sess.SessionID,
				Success:           len(landed) > 0,
				UploadedFilePaths: landed,
			}
			if err := r.p.opts.session.CompleteMediaProcessing(ctx, req); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warnf("finalize: task=%s session=%s failed: %v", r.t.ID, sess.SessionID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return r.finish()
}

// openSession asks the media session for destinations. It returns a nil session when
// transfers must go through the direct uploader instead.
func (r *run) openSession(ctx context.Context, assets []compressedAsset) (*InitResponse, error) {
	o := r.p.opts
	if o.session == nil || o.uploader == nil {
		if o.direct == nil {
			return nil, errNoDestination
		}
		return nil, nil
	}

	var sess *InitResponse
	err := r.phase(ctx, "session", func(ctx context.Context) error {
		req := InitRequest{EntityID: r.t.EntityID}
		for _, a := range assets {
			req.FileNames = append(req.FileNames, a.name)
			req.ContentTypes = append(req.ContentTypes, a.out.ContentType)
		}
		resp, err := o.session.InitMediaUpload(ctx, req)
		if err == nil && (len(resp.UploadURLs) != len(assets) || len(resp.FilePaths) != len(assets)) {
			err = fmt.Errorf("session returned %d urls and %d paths for %d files", len(resp.UploadURLs), len(resp.FilePaths), len(assets))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if o.direct != nil {
				r.log.Warnf("session: task=%s init failed, using direct upload: %v", r.t.ID, err)
				return nil
			}
			return fmt.Errorf("init media upload: %w", err)
		}
		sess = resp
		return nil
	})
	return sess, err
}

// send transfers one asset and returns the reference it landed under.
func (r *run) send(ctx context.Context, sess *InitResponse, k int, a compressedAsset, progress func(float64)) (string, error) {
	f := UploadFile{Path: a.out.Path, Name: a.name, ContentType: a.out.ContentType}
	if sess != nil {
		if err := r.p.opts.uploader.Put(ctx, sess.UploadURLs[k], f, progress); err != nil {
			return "", err
		}
		return sess.FilePaths[k], nil
	}
	if a.video {
		return r.p.opts.direct.UploadVideo(ctx, r.t.EntityID, f, progress)
	}
	urls, err := r.p.opts.direct.UploadImages(ctx, r.t.EntityID, []UploadFile{f}, progress)
	if err != nil {
		return "", err
	}
	if len(urls) != 1 {
		return "", fmt.Errorf("direct upload returned %d urls for 1 file", len(urls))
	}
	return urls[0], nil
}

// finish decides the terminal status from what landed across all runs.
func (r *run) finish() error {
	var status Status
	err := r.mutate(func(t *UploadTask) {
		slices.Sort(t.RejectedImageIndices)
		slices.Sort(t.FailedImageIndices)
		missingImages := len(t.Images) - len(t.UploadedImageSources)
		missingVideo := t.Video != nil && !t.VideoUploaded

		switch {
		case !t.landedAny():
			status = StatusFailed
			cause := r.lastErr
			if cause == nil {
				cause = errors.New("no file could be uploaded")
			}
			t.Error = cause.Error()
			t.ErrorType = Classify(cause)
		case missingImages > 0 || missingVideo:
			status = StatusPartial
			var parts []string
			if missingImages > 0 {
				parts = append(parts, fmt.Sprintf("%d of %d images not uploaded", missingImages, len(t.Images)))
			}
			if missingVideo {
				parts = append(parts, "video not uploaded")
			}
			t.Error = strings.Join(parts, ", ")
			t.ErrorType = ErrorUnknown
			if r.lastErr != nil {
				t.Error += ": " + r.lastErr.Error()
				t.ErrorType = Classify(r.lastErr)
			}
			raise(t, progressDone)
		default:
			status = StatusCompleted
			t.Error = ""
			t.ErrorType = ""
			raise(t, progressDone)
		}
		t.Status = status
		t.CompletedAt = time.Now().UnixMilli()
	})
	if err != nil {
		return err
	}
	metrics.TasksFinishedTotal.WithLabelValues(status.String()).Inc()
	r.log.Infof("run: task=%s entity=%s status=%s images=%d/%d video=%t", r.t.ID, r.t.EntityID, status,
		len(r.t.UploadedImageSources), len(r.t.Images), r.t.VideoUploaded)
	return nil
}

func (r *run) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	typ := Classify(err)
	merr := r.mutate(func(t *UploadTask) {
		t.Status = StatusFailed
		t.Error = err.Error()
		t.ErrorType = typ
		t.CompletedAt = time.Now().UnixMilli()
	})
	if merr != nil {
		return
	}
	metrics.TasksFinishedTotal.WithLabelValues(StatusFailed.String()).Inc()
	r.log.Errorf("run: task=%s entity=%s failed (%s): %v", r.t.ID, r.t.EntityID, typ, err)
}

// phase runs fn inside a span and records its duration.
func (r *run) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := r.p.tracer.Start(ctx, "mediaq."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	metrics.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// mutate applies fn to the working copy and publishes the result to the store.
func (r *run) mutate(fn func(t *UploadTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.t)
	snap := r.t.Clone()
	if !r.update(func(st *UploadTask) { *st = *snap }) {
		return errCancelled
	}
	return nil
}

func (r *run) landedAny() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.t.landedAny()
}

// raise moves progress forward only.
func raise(t *UploadTask, pct int) {
	t.Progress = min(max(t.Progress, pct), progressDone)
}

// ensureDir creates the directory compressed files are written into.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
