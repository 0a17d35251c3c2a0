package async

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

// RebuildFunc rebuilds kinds, reporting per-kind progress.
// (*index.Maintainer).RebuildKinds has this signature.
type RebuildFunc func(ctx context.Context, kinds []document.Kind, progress index.ProgressFunc) ([]store.RebuildStats, error)

// Runner runs at most one background rebuild job at a time and keeps the
// most recent job's progress.
type Runner struct {
	rebuild RebuildFunc
	logger  *slog.Logger

	// baseCtx outlives the requests that start jobs; Stop cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	current *Progress
	done    chan struct{}
}

// NewRunner creates a Runner around rebuild.
func NewRunner(rebuild RebuildFunc, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{rebuild: rebuild, logger: logger, baseCtx: ctx, cancel: cancel}
}

// Start begins rebuilding kinds in a background goroutine and returns the
// new job. When a job is already running it is returned instead, with
// started false.
func (r *Runner) Start(kinds []document.Kind) (job *Progress, started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.IsRunning() {
		return r.current, false
	}

	job = NewProgress(uuid.NewString(), kinds)
	done := make(chan struct{})
	r.current = job
	r.done = done

	go func() {
		defer close(done)
		_, err := r.rebuild(r.baseCtx, kinds, job.Observe)
		job.Finish(err)

		labels := make([]string, len(kinds))
		for i, k := range kinds {
			labels[i] = k.Label()
		}
		if err != nil {
			r.logger.Error("reindex_failed",
				slog.String("job", job.ID()),
				slog.Any("kinds", labels),
				slog.String("error", err.Error()))
			return
		}
		r.logger.Info("reindex_completed", slog.String("job", job.ID()), slog.Any("kinds", labels))
	}()
	return job, true
}

// Current returns the most recent job, if any.
func (r *Runner) Current() (*Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != nil
}

// Wait blocks until the most recent job finishes.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the running job and waits for it. Jobs started afterwards
// fail immediately with a canceled context.
func (r *Runner) Stop() {
	r.cancel()
	r.Wait()
}
