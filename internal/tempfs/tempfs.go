// Package tempfs wraps the local filesystem calls the pipeline needs and tracks the
// temporary files each task produces so they can be removed by that task only.
package tempfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FS is the local filesystem surface used for size checks and cleanup.
type FS interface {
	Stat(path string) (int64, error)
	Exists(path string) bool
	Remove(path string) error
}

// OS implements FS on the host filesystem.
type OS struct{}

func (OS) Stat(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OS) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// cleanupParallelism bounds concurrent unlinks for one task.
const cleanupParallelism = 4

// Tracker records temporary paths per task id.
type Tracker struct {
	mu    sync.Mutex
	files map[string][]string
	fs    FS
}

// NewTracker creates a tracker that deletes through fsys.
func NewTracker(fsys FS) *Tracker {
	if fsys == nil {
		fsys = OS{}
	}
	return &Tracker{files: make(map[string][]string), fs: fsys}
}

// Track records path as a temporary artifact of taskID.
func (t *Tracker) Track(taskID, path string) {
	t.mu.Lock()
	t.files[taskID] = append(t.files[taskID], path)
	t.mu.Unlock()
}

// Files returns a copy of the paths tracked for taskID.
func (t *Tracker) Files(taskID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.files[taskID]...)
}

// Cleanup deletes every file tracked for taskID and forgets them. Missing files are
// not errors. It returns the joined errors of files that could not be removed.
func (t *Tracker) Cleanup(ctx context.Context, taskID string) error {
	t.mu.Lock()
	paths := t.files[taskID]
	delete(t.files, taskID)
	t.mu.Unlock()
	if len(paths) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(cleanupParallelism)
	for _, p := range paths {
		g.Go(func() error {
			if !t.fs.Exists(p) {
				return nil
			}
			if err := t.fs.Remove(p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
