package mediaq

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/mediaq/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const entity = "4711"

func TestEnqueue_RejectsBadEntityID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Enqueue(ctx, "abc", photoAssets(2), nil)
	require.ErrorIs(t, err, ErrInvalidSubmission)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "INVALID_ENTITY_ID", string(verr.Code))
	require.Empty(t, h.store.List())

	_, ok, err := h.kv.Get(ctx, keys.For("").Tasks)
	require.NoError(t, err)
	require.False(t, ok, "nothing is persisted for a rejected submission")
}

func TestEnqueue_RejectsSubmissionWithoutValidMedia(t *testing.T) {
	h := newHarness(t)
	bad := []MediaAsset{{URI: "file:///a.gif", MimeType: "image/gif"}, {URI: ""}}
	_, err := h.store.Enqueue(context.Background(), entity, bad, &MediaAsset{URI: "file:///v.avi", MimeType: "video/x-msvideo"})
	require.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = h.store.Enqueue(context.Background(), entity, photoAssets(21), nil)
	require.ErrorIs(t, err, ErrInvalidSubmission)
	require.Empty(t, h.store.List())
}

func TestEnqueue_DropsInvalidVideo(t *testing.T) {
	h := newHarness(t)
	long := clip()
	long.Duration = 10 * time.Minute
	task, err := h.store.Enqueue(context.Background(), entity, photoAssets(1), long)
	require.NoError(t, err)
	require.Nil(t, task.Video)
	require.Equal(t, StatusPending, task.Status)
	h.waitStatus(task.ID, StatusCompleted)
}

func TestStore_CompletesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events, unsubscribe := h.store.Subscribe(1024)
	defer unsubscribe()

	task, err := h.store.Enqueue(ctx, entity, photoAssets(2), clip())
	require.NoError(t, err)

	done := h.waitStatus(task.ID, StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, []string{entity + "/image-00.jpg", entity + "/image-01.jpg"}, done.UploadedImageURLs)
	assert.True(t, done.VideoUploaded)
	assert.Equal(t, entity+"/video.mp4", done.VideoURL)
	assert.Empty(t, done.Error)
	assert.NotZero(t, done.StartedAt)
	assert.NotZero(t, done.CompletedAt)

	inits := h.session.Inits()
	require.Len(t, inits, 1)
	assert.Equal(t, []string{"image-00.jpg", "image-01.jpg", "video.mp4"}, inits[0].FileNames)
	assert.Equal(t, []string{"image/jpeg", "image/jpeg", "video/mp4"}, inits[0].ContentTypes)

	completes := h.session.Completes()
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success)
	assert.Equal(t, "sess-1", completes[0].SessionID)
	assert.Len(t, completes[0].UploadedFilePaths, 3)

	// Uploads ran in compression order, images first.
	assert.Equal(t, []string{
		"https://storage.test/put/image-00.jpg",
		"https://storage.test/put/image-01.jpg",
		"https://storage.test/put/video.mp4",
	}, h.uploader.Puts())

	// Every compressed file is gone.
	for _, dir := range []string{h.images.dir, h.videos.dir} {
		require.Eventually(t, func() bool {
			entries, err := os.ReadDir(dir)
			return err == nil && len(entries) == 0
		}, time.Second, 5*time.Millisecond, dir)
	}
	assert.Empty(t, h.store.files.Files(task.ID))

	// Progress never goes backwards and the statuses follow the pipeline order.
	var seen []Status
	last := -1
	for ev := range drain(events) {
		if ev.TaskID != task.ID {
			continue
		}
		require.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %s", ev.Status)
		last = ev.Progress
		if len(seen) == 0 || seen[len(seen)-1] != ev.Status {
			seen = append(seen, ev.Status)
		}
	}
	assert.Equal(t, []Status{StatusPending, StatusValidating, StatusCompressing, StatusUploading, StatusCompleted}, seen)
}

// drain returns the events buffered so far.
func drain(ch <-chan Event) <-chan Event {
	out := make(chan Event, len(ch))
	for {
		select {
		case ev := <-ch:
			out <- ev
		default:
			close(out)
			return out
		}
	}
}

func TestStore_PartialWhenSomeAssetsFailCompression(t *testing.T) {
	h := newHarness(t)
	in := photoAssets(10)
	h.images.fail[in[1].URI] = true
	h.images.fail[in[4].URI] = true
	h.images.fail[in[8].URI] = true
	h.videos.fail[clip().URI] = true

	task, err := h.store.Enqueue(context.Background(), entity, in, clip())
	require.NoError(t, err)

	got := h.waitStatus(task.ID, StatusPartial)
	inits := h.session.Inits()
	require.Len(t, inits, 1)
	assert.Len(t, inits[0].FileNames, 7, "exactly the seven compressed images are announced")
	assert.NotContains(t, inits[0].FileNames, "video.mp4")
	assert.Len(t, h.uploader.Puts(), 7)

	assert.Equal(t, []int{1, 4, 8}, got.FailedImageIndices, "compression failures are recorded as failed")
	assert.Equal(t, []int{1, 4, 8}, got.RejectedImageIndices)
	assert.Equal(t, 3, got.FailedImages())
	assert.Len(t, got.UploadedImageURLs, 7)
	assert.False(t, got.VideoUploaded)
	assert.True(t, got.VideoRejected)
	assert.Equal(t, ErrorCompression, got.ErrorType)
	assert.Equal(t, 100, got.Progress)

	completes := h.session.Completes()
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success, "finalize runs on partial success")
	assert.Len(t, completes[0].UploadedFilePaths, 7)
}

func TestStore_FailsWhenNothingCompresses(t *testing.T) {
	h := newHarness(t)
	in := photoAssets(2)
	h.images.fail[in[0].URI] = true
	h.images.fail[in[1].URI] = true

	task, err := h.store.Enqueue(context.Background(), entity, in, nil)
	require.NoError(t, err)

	got := h.waitStatus(task.ID, StatusFailed)
	assert.Contains(t, got.Error, "no media could be processed")
	assert.Equal(t, ErrorCompression, got.ErrorType)
	assert.Empty(t, h.session.Inits(), "upload collaborators are never called")
	assert.Empty(t, h.uploader.Puts())
}

func TestStore_UploadFailuresThenRetryUploadsOnlyTheRest(t *testing.T) {
	h := newHarness(t)
	h.uploader.setFail("image-01")
	ctx := context.Background()

	task, err := h.store.Enqueue(ctx, entity, photoAssets(3), nil)
	require.NoError(t, err)

	got := h.waitStatus(task.ID, StatusPartial)
	assert.Equal(t, []int{1}, got.FailedImageIndices)
	assert.Equal(t, []int{0, 2}, got.UploadedImageSources)
	assert.Equal(t, ErrorServer, got.ErrorType)
	assert.Contains(t, got.Error, "1 of 3 images not uploaded")

	h.uploader.setFail()
	require.NoError(t, h.store.Retry(ctx, task.ID))

	got = h.waitStatus(task.ID, StatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.FailedImageIndices)
	assert.Len(t, got.UploadedImageURLs, 3)
	assert.Empty(t, got.Error)

	inits := h.session.Inits()
	require.Len(t, inits, 2)
	assert.Equal(t, []string{"image-01.jpg"}, inits[1].FileNames, "the retry only re-sends the missing image")
}

func TestStore_InitFailureFallsBackToDirectUpload(t *testing.T) {
	direct := &fakeDirect{}
	h := newHarness(t, WithDirectUploader(direct))
	h.session.initErr = errors.New("session service down")

	task, err := h.store.Enqueue(context.Background(), entity, photoAssets(2), clip())
	require.NoError(t, err)

	got := h.waitStatus(task.ID, StatusCompleted)
	assert.Empty(t, got.SessionID)
	assert.Equal(t, []string{"https://cdn.test/4711/image-00.jpg", "https://cdn.test/4711/image-01.jpg"}, got.UploadedImageURLs)
	assert.Equal(t, "https://cdn.test/4711/video.mp4", got.VideoURL)
	assert.Equal(t, []string{"image-00.jpg", "image-01.jpg"}, direct.images, "images go one request at a time")
	assert.Equal(t, []string{"video.mp4"}, direct.videos)
	assert.Empty(t, h.session.Completes(), "no session, nothing to finalize")
	assert.Empty(t, h.uploader.Puts())
}

func TestStore_InitFailureWithoutFallbackFails(t *testing.T) {
	h := newHarness(t)
	h.session.initErr = &StatusError{Code: 500, Body: "boom"}

	task, err := h.store.Enqueue(context.Background(), entity, photoAssets(1), nil)
	require.NoError(t, err)

	got := h.waitStatus(task.ID, StatusFailed)
	assert.Equal(t, ErrorServer, got.ErrorType)
	assert.Contains(t, got.Error, "init media upload")
}

func TestRetry_NotAllowedFromCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusCompleted)

	require.ErrorIs(t, h.store.Retry(ctx, task.ID), ErrNotRetryable)
	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)

	require.ErrorIs(t, h.store.Retry(ctx, "missing"), ErrTaskNotFound)
}

func TestRetry_StopsAtMaxRetries(t *testing.T) {
	h := newHarness(t, WithMaxRetries(2))
	ctx := context.Background()
	in := photoAssets(1)
	h.images.fail[in[0].URI] = true

	task, err := h.store.Enqueue(ctx, entity, in, nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusFailed)

	for i := 1; i <= 2; i++ {
		require.NoError(t, h.store.Retry(ctx, task.ID))
		got := h.waitStatus(task.ID, StatusFailed)
		require.Equal(t, i, got.RetryCount)
	}

	require.ErrorIs(t, h.store.Retry(ctx, task.ID), ErrRetryExhausted)
	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, h.images.Calls(), 3)
}

func TestRetry_ResetsProgressAndError(t *testing.T) {
	h := newHarness(t, WithRetryDelay(func(int) time.Duration { return time.Hour }))
	ctx := context.Background()
	in := photoAssets(1)
	h.images.fail[in[0].URI] = true

	task, err := h.store.Enqueue(ctx, entity, in, nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusFailed)

	require.NoError(t, h.store.Retry(ctx, task.ID))
	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Progress)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.ErrorType)

	require.ErrorIs(t, h.store.Retry(ctx, task.ID), ErrNotRetryable, "a scheduled retry is not retried twice")
}

func TestCancel_RemovesTaskAndStopsEvents(t *testing.T) {
	h := newHarness(t)
	h.uploader.block = make(chan struct{})
	ctx := context.Background()
	events, unsubscribe := h.store.Subscribe(1024)
	defer unsubscribe()

	task, err := h.store.Enqueue(ctx, entity, photoAssets(2), nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusUploading)

	require.NoError(t, h.store.Cancel(ctx, task.ID))

	_, err = h.store.Get(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	h.store.mu.Lock()
	_, busy := h.store.processing[entity]
	h.store.mu.Unlock()
	assert.False(t, busy)

	raw, ok, err := h.kv.Get(ctx, keys.For("").Tasks)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, task.ID)

	// Let the interrupted run wind down, then make sure it said nothing more.
	close(h.uploader.block)
	time.Sleep(50 * time.Millisecond)
	removed := false
	for ev := range drain(events) {
		if ev.TaskID != task.ID {
			continue
		}
		require.False(t, removed, "event after removal: %+v", ev)
		removed = ev.Removed
	}
	assert.True(t, removed)
	assert.Empty(t, h.store.files.Files(task.ID))

	require.ErrorIs(t, h.store.Cancel(ctx, task.ID), ErrTaskNotFound)
}

func TestStore_OneRunPerEntity(t *testing.T) {
	h := newHarness(t)
	h.uploader.block = make(chan struct{})
	ctx := context.Background()

	first, err := h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.NoError(t, err)
	h.waitStatus(first.ID, StatusUploading)

	second, err := h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.NoError(t, err)
	other, err := h.store.Enqueue(ctx, "4712", photoAssets(1), nil)
	require.NoError(t, err)

	// The other entity runs concurrently; the same entity waits.
	h.waitStatus(other.ID, StatusUploading)
	time.Sleep(30 * time.Millisecond)
	got, err := h.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	close(h.uploader.block)
	h.waitStatus(first.ID, StatusCompleted)
	h.waitStatus(second.ID, StatusCompleted)
	h.waitStatus(other.ID, StatusCompleted)
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	h.uploader.block = make(chan struct{})
	ctx := context.Background()

	task, err := h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusUploading)
	require.ErrorIs(t, h.store.Remove(ctx, task.ID), ErrTaskActive)

	close(h.uploader.block)
	h.waitStatus(task.ID, StatusCompleted)
	require.Eventually(t, func() bool { return h.store.Remove(ctx, task.ID) == nil }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.store.List())
	require.ErrorIs(t, h.store.Remove(ctx, task.ID), ErrTaskNotFound)
}

func TestStart_ResumesInterruptedTasks(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	kv := NewRedisKV(rdb)

	persisted := map[string]*UploadTask{
		"t-up": {ID: "t-up", EntityID: "100", Status: StatusUploading, Progress: 60, Images: photoAssets(1), CreatedAt: 1},
		"t-ok": {ID: "t-ok", EntityID: "101", Status: StatusCompleted, Progress: 100, Images: photoAssets(1), CreatedAt: 2},
		"t-pe": {ID: "t-pe", EntityID: "102", Status: StatusPending, Images: photoAssets(1), CreatedAt: 3},
	}
	raw, err := encodeTasks(&JSONEncoder{}, persisted)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, keys.For("").Tasks, raw))

	session, uploader := &fakeSession{}, &fakeUploader{}
	s := NewStore(kv,
		WithImageCompressor(newFakeCompressor(t, "image/jpeg")),
		WithMediaSession(session, uploader),
		WithTempDir(t.TempDir()),
		WithSettleDelay(200*time.Millisecond),
	)
	defer s.Close()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "Start is idempotent")

	got, err := s.Get("t-up")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "interrupted task is coerced back to pending")
	assert.Zero(t, got.Progress)

	stored, _, err := kv.Get(ctx, keys.For("").Tasks)
	require.NoError(t, err)
	reloaded, _, err := decodeTasks(&JSONEncoder{}, stored)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reloaded["t-up"].Status, "the coercion is persisted")

	for _, id := range []string{"t-up", "t-pe"} {
		require.Eventually(t, func() bool {
			task, err := s.Get(id)
			return err == nil && task.Status == StatusCompleted
		}, 5*time.Second, 5*time.Millisecond, id)
	}
	ok, err := s.Get("t-ok")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ok.Status)
	assert.Len(t, uploader.Puts(), 2)
}

func TestClose_LeavesRunningTaskForNextStart(t *testing.T) {
	h := newHarness(t)
	h.uploader.block = make(chan struct{})
	ctx := context.Background()

	task, err := h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.NoError(t, err)
	h.waitStatus(task.ID, StatusUploading)
	h.store.Close()
	h.store.Close()

	_, err = h.store.Enqueue(ctx, entity, photoAssets(1), nil)
	require.ErrorIs(t, err, ErrClosed)

	raw, ok, err := h.kv.Get(ctx, keys.For("").Tasks)
	require.NoError(t, err)
	require.True(t, ok)
	tasks, _, err := decodeTasks(&JSONEncoder{}, raw)
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, tasks[task.ID].Status)

	uploader := &fakeUploader{}
	next := NewStore(h.kv,
		WithImageCompressor(newFakeCompressor(t, "image/jpeg")),
		WithMediaSession(&fakeSession{}, uploader),
		WithTempDir(t.TempDir()),
		WithSettleDelay(time.Millisecond),
	)
	defer next.Close()
	require.NoError(t, next.Start(ctx))
	require.Eventually(t, func() bool {
		got, err := next.Get(task.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmit_CreatesEntityFirst(t *testing.T) {
	h := newHarness(t, WithEntityCreator(fakeCreator{id: "9001"}))
	task, err := h.store.Submit(context.Background(), map[string]string{"make": "Volvo"}, photoAssets(1), nil)
	require.NoError(t, err)
	assert.Equal(t, "9001", task.EntityID)
	h.waitStatus(task.ID, StatusCompleted)
}

func TestList_FiltersByStatus(t *testing.T) {
	h := newHarness(t, WithRetryDelay(func(int) time.Duration { return time.Hour }))
	ctx := context.Background()
	in := photoAssets(1)
	h.images.fail[in[0].URI] = true

	failed, err := h.store.Enqueue(ctx, "1", in, nil)
	require.NoError(t, err)
	other := []MediaAsset{{URI: "file:///photos/other.jpg", MimeType: "image/jpeg", Size: 4096}}
	ok, err := h.store.Enqueue(ctx, "2", other, nil)
	require.NoError(t, err)
	h.waitStatus(failed.ID, StatusFailed)
	h.waitStatus(ok.ID, StatusCompleted)

	require.Len(t, h.store.List(), 2)
	got := h.store.List(StatusFailed)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)
	require.Len(t, h.store.List(StatusFailed, StatusCompleted), 2)
}

// countingKV counts writes reaching the underlying store.
type countingKV struct {
	KeyValue
	sets atomic.Int64
}

func (c *countingKV) Set(ctx context.Context, key, value string) error {
	c.sets.Add(1)
	return c.KeyValue.Set(ctx, key, value)
}

func TestStore_ProgressWritesAreBounded(t *testing.T) {
	rdb, done := newMiniClient(t)
	t.Cleanup(done)
	kv := &countingKV{KeyValue: NewRedisKV(rdb)}
	store := NewStore(kv,
		WithLogger(NewZapLogger(zaptest.NewLogger(t))),
		WithTempDir(t.TempDir()),
		WithImageCompressor(newFakeCompressor(t, "image/jpeg")),
		WithMediaSession(&fakeSession{}, &fakeUploader{chunks: 1000}),
		WithSettleDelay(10*time.Millisecond),
	)
	t.Cleanup(store.Close)
	events, unsubscribe := store.Subscribe(1024)
	defer unsubscribe()

	task, err := store.Enqueue(context.Background(), entity, photoAssets(1), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := store.Get(task.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	writes := kv.sets.Load()
	assert.Less(t, writes, int64(100), "a thousand progress reports must not mean a thousand writes")

	var progress []int
	for ev := range drain(events) {
		if ev.TaskID == task.ID && ev.Status == StatusUploading {
			progress = append(progress, ev.Progress)
		}
	}
	assert.LessOrEqual(t, len(progress), progressUploaded-progressVideoDone+2)

	require.True(t, store.update(task.ID, func(t *UploadTask) { t.Progress = 100 }))
	assert.Equal(t, writes, kv.sets.Load(), "an unchanged task is not written again")
}
