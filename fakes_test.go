package mediaq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/mediaq/internal/compress"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

// fakeCompressor writes a small output file per call and fails for URIs in fail.
type fakeCompressor struct {
	dir   string
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	probe time.Duration
	ctype string
}

func newFakeCompressor(t *testing.T, contentType string, fail ...string) *fakeCompressor {
	f := &fakeCompressor{dir: t.TempDir(), fail: map[string]bool{}, ctype: contentType}
	for _, u := range fail {
		f.fail[u] = true
	}
	return f
}

func (f *fakeCompressor) Compress(ctx context.Context, uri string, track func(string)) (*CompressedFile, error) {
	f.mu.Lock()
	f.calls = append(f.calls, uri)
	n := len(f.calls)
	fail := f.fail[uri]
	f.mu.Unlock()
	out := filepath.Join(f.dir, fmt.Sprintf("out-%d", n))
	track(out)
	if err := os.WriteFile(out, make([]byte, 2048), 0o600); err != nil {
		return nil, err
	}
	if fail {
		return nil, &compress.Error{Kind: "image", Op: "ladder", Err: compress.ErrUnsupportedSource}
	}
	return &CompressedFile{Path: out, Size: 2048, ContentType: f.ctype, Preset: "fake"}, nil
}

func (f *fakeCompressor) Probe(context.Context, string) (time.Duration, error) {
	if f.probe == 0 {
		return 0, errors.New("no probe")
	}
	return f.probe, nil
}

func (f *fakeCompressor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeSession issues one storage URL per file.
type fakeSession struct {
	mu        sync.Mutex
	inits     []InitRequest
	completes []CompleteRequest
	initErr   error
}

func (s *fakeSession) InitMediaUpload(_ context.Context, req InitRequest) (*InitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, req)
	if s.initErr != nil {
		return nil, s.initErr
	}
	resp := &InitResponse{SessionID: fmt.Sprintf("sess-%d", len(s.inits))}
	for _, name := range req.FileNames {
		resp.UploadURLs = append(resp.UploadURLs, "https://storage.test/put/"+name)
		resp.FilePaths = append(resp.FilePaths, req.EntityID+"/"+name)
	}
	return resp, nil
}

func (s *fakeSession) CompleteMediaProcessing(_ context.Context, req CompleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, req)
	return nil
}

func (s *fakeSession) Inits() []InitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InitRequest(nil), s.inits...)
}

func (s *fakeSession) Completes() []CompleteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompleteRequest(nil), s.completes...)
}

// fakeUploader records PUTs. Destinations containing a key of fail are rejected;
// when block is set every call waits for it or for cancellation. A non-zero chunks
// reports progress that many times, like a large body read in small pieces.
type fakeUploader struct {
	mu      sync.Mutex
	puts    []string
	fail    map[string]bool
	block   chan struct{}
	chunks  int
	active  int
	maxSeen int
}

func (u *fakeUploader) Put(ctx context.Context, dest string, f UploadFile, progress func(float64)) error {
	u.mu.Lock()
	u.active++
	u.maxSeen = max(u.maxSeen, u.active)
	block, chunks := u.block, u.chunks
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.active--
		u.mu.Unlock()
	}()

	if _, err := os.Stat(f.Path); err != nil {
		return err
	}
	if progress != nil {
		for i := 1; i <= chunks; i++ {
			progress(float64(i) / float64(chunks))
		}
		progress(0.5)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for k := range u.fail {
		if strings.Contains(dest, k) {
			return &StatusError{Code: 503, Body: "unavailable"}
		}
	}
	u.puts = append(u.puts, dest)
	if progress != nil {
		progress(1)
	}
	return nil
}

func (u *fakeUploader) Puts() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.puts...)
}

func (u *fakeUploader) setFail(keys ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail = map[string]bool{}
	for _, k := range keys {
		u.fail[k] = true
	}
}

// fakeDirect is the multipart fallback.
type fakeDirect struct {
	mu     sync.Mutex
	images []string
	videos []string
}

func (d *fakeDirect) UploadImages(_ context.Context, entityID string, files []UploadFile, progress func(float64)) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var urls []string
	for _, f := range files {
		d.images = append(d.images, f.Name)
		urls = append(urls, "https://cdn.test/"+entityID+"/"+f.Name)
	}
	progress(1)
	return urls, nil
}

func (d *fakeDirect) UploadVideo(_ context.Context, entityID string, f UploadFile, progress func(float64)) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videos = append(d.videos, f.Name)
	progress(1)
	return "https://cdn.test/" + entityID + "/" + f.Name, nil
}

type fakeCreator struct{ id string }

func (c fakeCreator) CreateEntity(context.Context, any) (string, error) { return c.id, nil }

// harness wires a Store to fakes and a miniredis-backed KeyValue.
type harness struct {
	t        *testing.T
	kv       *RedisKV
	store    *Store
	images   *fakeCompressor
	videos   *fakeCompressor
	session  *fakeSession
	uploader *fakeUploader
}

func newHarness(t *testing.T, extra ...Option) *harness {
	t.Helper()
	rdb, done := newMiniClient(t)
	t.Cleanup(done)
	h := &harness{
		t:        t,
		kv:       NewRedisKV(rdb),
		images:   newFakeCompressor(t, "image/jpeg"),
		videos:   newFakeCompressor(t, "video/mp4"),
		session:  &fakeSession{},
		uploader: &fakeUploader{},
	}
	opts := append([]Option{
		WithLogger(NewZapLogger(zaptest.NewLogger(t))),
		WithTempDir(t.TempDir()),
		WithImageCompressor(h.images),
		WithVideoCompressor(h.videos),
		WithMediaSession(h.session, h.uploader),
		WithSettleDelay(10 * time.Millisecond),
		WithRetryDelay(func(int) time.Duration { return 0 }),
	}, extra...)
	h.store = NewStore(h.kv, opts...)
	t.Cleanup(h.store.Close)
	return h
}

func (h *harness) waitStatus(id string, want Status) *UploadTask {
	h.t.Helper()
	var last *UploadTask
	require.Eventually(h.t, func() bool {
		task, err := h.store.Get(id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func photoAssets(n int) []MediaAsset {
	out := make([]MediaAsset, n)
	for i := range out {
		out[i] = MediaAsset{URI: fmt.Sprintf("file:///photos/img-%02d.jpg", i), MimeType: "image/jpeg", Size: 300 << 10}
	}
	return out
}

func clip() *MediaAsset {
	return &MediaAsset{URI: "file:///videos/clip.mp4", MimeType: "video/mp4", Size: 20 << 20, Duration: 30 * time.Second}
}
