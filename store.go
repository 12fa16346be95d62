package mediaq

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/mediaq/internal/keys"
	"github.com/UniQw/mediaq/internal/metrics"
	"github.com/UniQw/mediaq/internal/tempfs"
	"github.com/UniQw/mediaq/internal/validate"
	"github.com/google/uuid"
)

// ErrTaskActive is returned when an operation is not allowed on a running task.
var ErrTaskActive = errors.New("mediaq: operation not allowed on a running task")

// Event reports a change of one task. Removed is set once when the task leaves the store.
type Event struct {
	TaskID    string
	EntityID  string
	Status    Status
	Progress  int
	Error     string
	ErrorType ErrorType
	Removed   bool
}

// Store is the queue of upload tasks. It keeps the task map in memory, persists it to a
// KeyValue on every mutation and runs at most one Processor per entity at a time.
type Store struct {
	kv    KeyValue
	keys  keys.Store
	opts  options
	log   Logger
	proc  *Processor
	files *tempfs.Tracker

	mu         sync.Mutex
	tasks      map[string]*UploadTask // replaced on write, never mutated in place
	processing map[string]string      // entity id -> task id
	cancels    map[string]context.CancelFunc
	timers     map[string]*time.Timer
	subs       map[int]chan Event
	nextSub    int
	loaded     bool
	started    bool
	closed     bool
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

// NewStore creates a Store persisting into kv. Call Start to resume persisted tasks.
func NewStore(kv KeyValue, opts ...Option) *Store {
	o := buildOptions(opts)
	files := tempfs.NewTracker(o.fs)
	ctx, stop := context.WithCancel(context.Background())
	return &Store{
		kv:         kv,
		keys:       keys.For(o.namespace),
		opts:       o,
		log:        o.log,
		proc:       newProcessor(o, files),
		files:      files,
		tasks:      map[string]*UploadTask{},
		processing: map[string]string{},
		cancels:    map[string]context.CancelFunc{},
		timers:     map[string]*time.Timer{},
		subs:       map[int]chan Event{},
		baseCtx:    ctx,
		stop:       stop,
	}
}

// Start loads the persisted task map, puts interrupted tasks back to pending and
// schedules every pending task after the settle delay. It is idempotent.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		s.log.Warnf("store already started; ignoring Start()")
		return nil
	}

	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.started = true

	var resumed int
	for _, t := range sortedTasks(s.tasks) {
		if t.Status == StatusPending && s.timers[t.ID] == nil && s.cancels[t.ID] == nil {
			s.scheduleLocked(t.ID, s.opts.settleDelay)
			resumed++
		}
	}
	s.log.Infof("store started: tasks=%d resumed=%d namespace=%s", len(s.tasks), resumed, s.opts.namespace)
	return nil
}

// loadLocked merges the persisted task map into memory once. Tasks found mid-run
// were interrupted and go back to pending.
func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, ok, err := s.kv.Get(ctx, s.keys.Tasks)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if !ok {
		s.loaded = true
		return nil
	}
	loaded, skipped, err := decodeTasks(s.opts.enc, raw)
	if err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	for _, id := range skipped {
		s.log.Warnf("store: dropping unreadable task %s", id)
	}
	next := maps.Clone(s.tasks)
	coerced := len(skipped) > 0
	for id, t := range loaded {
		if _, exists := next[id]; exists {
			continue
		}
		if t.Status.InFlight() {
			s.log.Infof("store: task=%s was %s when stopped, resuming", id, t.Status)
			t.Status = StatusPending
			t.Progress = 0
			coerced = true
		}
		next[id] = t
	}
	if coerced {
		if err := s.commitLocked(ctx, next, false); err != nil {
			return err
		}
	} else {
		s.tasks = next
	}
	s.loaded = true
	return nil
}

// Close stops timers, cancels running tasks and waits for them to return. Tasks that
// were running keep their in-flight status and are resumed by the next Start.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.log.Infof("store closed")
}

// Submit creates the owning entity through the EntityCreator and enqueues its media.
func (s *Store) Submit(ctx context.Context, data any, images []MediaAsset, video *MediaAsset) (*UploadTask, error) {
	if s.opts.creator == nil {
		return nil, errors.New("mediaq: no entity creator configured")
	}
	id, err := s.opts.creator.CreateEntity(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return s.Enqueue(ctx, id, images, video)
}

// Enqueue validates a submission and creates a pending task for it. Invalid images
// stay in the task and are reported as rejected by the run; an invalid video is
// dropped. A submission without a single valid asset is refused.
func (s *Store) Enqueue(ctx context.Context, entityID string, images []MediaAsset, video *MediaAsset) (*UploadTask, error) {
	if res := validate.EntityID(entityID); !res.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubmission, res.Err())
	}
	if res := validate.Count(len(images)); !res.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubmission, res.Err())
	}

	t := &UploadTask{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Status:    StatusPending,
		Images:    make([]MediaAsset, 0, len(images)),
		CreatedAt: time.Now().UnixMilli(),
	}
	valid := 0
	for i, img := range images {
		img.URI = s.sanitize(img.URI)
		if res := validate.Image(img); res.Valid {
			valid++
		} else {
			s.log.Warnf("enqueue: entity=%s image=%d invalid: %s", entityID, i, res.Error)
		}
		t.Images = append(t.Images, img)
	}
	if video != nil {
		v := *video
		v.URI = s.sanitize(v.URI)
		if res := validate.Video(v); res.Valid {
			t.Video = &v
		} else {
			s.log.Warnf("enqueue: entity=%s video dropped: %s", entityID, res.Error)
		}
	}
	if valid == 0 && t.Video == nil {
		return nil, fmt.Errorf("%w: no valid media for entity %s", ErrInvalidSubmission, entityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	next := maps.Clone(s.tasks)
	next[t.ID] = t
	if err := s.commitLocked(ctx, next, false); err != nil {
		return nil, err
	}
	s.emitLocked(t, false)
	s.log.Infof("enqueue: task=%s entity=%s images=%d video=%t", t.ID, entityID, len(t.Images), t.Video != nil)
	s.scheduleLocked(t.ID, 0)
	return t.Clone(), nil
}

func (s *Store) sanitize(uri string) string {
	clean, recognized := validate.SanitizePath(uri)
	if clean != uri {
		s.log.Warnf("enqueue: traversal sequences stripped from %q", uri)
	}
	if !recognized && clean != "" {
		s.log.Warnf("enqueue: %q has no recognized scheme and is not absolute", clean)
	}
	return clean
}

// Retry puts a failed or partial task back to pending after a backoff. It re-reads the
// stored task, so concurrent retries of the same task schedule at most one run.
func (s *Store) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	cur, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !cur.Status.Retryable() {
		return ErrNotRetryable
	}
	if cur.RetryCount >= s.opts.maxRetries {
		return ErrRetryExhausted
	}

	t := cur.Clone()
	t.RetryCount++
	t.Status = StatusPending
	t.Progress = 0
	t.Error = ""
	t.ErrorType = ""
	t.CompletedAt = 0
	next := maps.Clone(s.tasks)
	next[id] = t
	if err := s.commitLocked(ctx, next, false); err != nil {
		return err
	}
	s.emitLocked(t, false)

	delay := s.opts.retryDelay(t.RetryCount)
	metrics.RetriesTotal.WithLabelValues(strconv.Itoa(t.RetryCount)).Inc()
	s.log.Infof("retry: task=%s attempt=%d/%d in %s", id, t.RetryCount, s.opts.maxRetries, delay.Round(time.Millisecond))
	s.scheduleLocked(id, delay)
	return nil
}

// Cancel aborts the task's run (best effort), removes it from the store and deletes
// its temporary files. No events follow the removal event.
func (s *Store) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	if s.processing[t.EntityID] == id {
		delete(s.processing, t.EntityID)
	}
	err := s.dropLocked(ctx, t)
	s.mu.Unlock()

	if cerr := s.files.Cleanup(ctx, id); cerr != nil {
		s.log.Warnf("cancel: task=%s cleanup: %v", id, cerr)
	}
	s.log.Infof("cancel: task=%s entity=%s", id, t.EntityID)
	return err
}

// Remove deletes a task that is not running, typically after its terminal status
// was observed.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if _, running := s.cancels[id]; running {
		s.mu.Unlock()
		return ErrTaskActive
	}
	err := s.dropLocked(ctx, t)
	s.mu.Unlock()

	if cerr := s.files.Cleanup(ctx, id); cerr != nil {
		s.log.Warnf("remove: task=%s cleanup: %v", id, cerr)
	}
	return err
}

func (s *Store) dropLocked(ctx context.Context, t *UploadTask) error {
	if tm, ok := s.timers[t.ID]; ok {
		tm.Stop()
		delete(s.timers, t.ID)
	}
	next := maps.Clone(s.tasks)
	delete(next, t.ID)
	err := s.commitLocked(ctx, next, true)
	s.emitLocked(t, true)
	return err
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*UploadTask, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns copies of the tasks in the given statuses (all when none are given),
// oldest first.
func (s *Store) List(statuses ...Status) []*UploadTask {
	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()

	out := make([]*UploadTask, 0, len(tasks))
	for _, t := range sortedTasks(tasks) {
		if len(statuses) == 0 || slices.Contains(statuses, t.Status) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Subscribe returns a channel of task events and a function to stop receiving them.
// Sends never block: a subscriber that falls behind misses events. The channel is
// closed by the returned function or by Close.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// update is the single write path used by runs. It reports false when the task is gone.
func (s *Store) update(id string, fn func(t *UploadTask)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return false
	}
	t := cur.Clone()
	fn(t)
	if reflect.DeepEqual(cur, t) {
		return true
	}
	next := maps.Clone(s.tasks)
	next[id] = t
	if err := s.commitLocked(context.Background(), next, true); err != nil {
		s.log.Errorf("store: persist task=%s: %v", id, err)
	}
	if t.Status != cur.Status || t.Progress != cur.Progress || t.Error != cur.Error {
		s.emitLocked(t, false)
	}
	return true
}

// commitLocked persists next and installs it as the current map. When persisting
// fails, next is installed only if force is set.
func (s *Store) commitLocked(ctx context.Context, next map[string]*UploadTask, force bool) error {
	raw, err := encodeTasks(s.opts.enc, next)
	if err == nil {
		err = s.kv.Set(ctx, s.keys.Tasks, raw)
	}
	if err != nil && !force {
		return fmt.Errorf("persist tasks: %w", err)
	}
	s.tasks = next
	if err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}

func (s *Store) emitLocked(t *UploadTask, removed bool) {
	ev := Event{
		TaskID:    t.ID,
		EntityID:  t.EntityID,
		Status:    t.Status,
		Progress:  t.Progress,
		Error:     t.Error,
		ErrorType: t.ErrorType,
		Removed:   removed,
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// scheduleLocked starts the task after delay. A zero delay still starts asynchronously.
func (s *Store) scheduleLocked(id string, delay time.Duration) {
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.begin(id) })
}

// begin starts a run for a pending task unless its entity is already processing.
func (s *Store) begin(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	t, ok := s.tasks[id]
	if s.closed || !ok || t.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	if busy, ok := s.processing[t.EntityID]; ok {
		s.log.Debugf("store: task=%s waits for task=%s of entity=%s", id, busy, t.EntityID)
		s.mu.Unlock()
		return
	}
	s.processing[t.EntityID] = id
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancels[id] = cancel
	snap := t.Clone()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.proc.Run(ctx, snap, func(fn func(t *UploadTask)) bool { return s.update(id, fn) })
		s.done(id, snap.EntityID)
	}()
}

// done releases the entity guard and starts the oldest pending task of the same entity.
func (s *Store) done(id, entityID string) {
	s.mu.Lock()
	delete(s.cancels, id)
	if s.processing[entityID] == id {
		delete(s.processing, entityID)
	}
	var next string
	if !s.closed {
		for _, t := range sortedTasks(s.tasks) {
			if t.EntityID == entityID && t.Status == StatusPending && s.timers[t.ID] == nil {
				next = t.ID
				break
			}
		}
	}
	s.mu.Unlock()
	if next != "" {
		s.begin(next)
	}
}

func sortedTasks(m map[string]*UploadTask) []*UploadTask {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b *UploadTask) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
