// Package async runs index rebuilds in the background and tracks their
// progress per kind.
package async

import (
	"sync"
	"time"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/index"
)

// JobStatus is the overall state of a rebuild job.
type JobStatus string

const (
	// StatusRunning indicates kinds are still rebuilding.
	StatusRunning JobStatus = "running"
	// StatusDone indicates every kind rebuilt.
	StatusDone JobStatus = "done"
	// StatusError indicates at least one kind failed or the job was canceled.
	StatusError JobStatus = "error"
)

// KindState is one kind's place in a job.
type KindState string

const (
	KindPending KindState = "pending"
	KindRunning KindState = "running"
	KindRebuilt KindState = "rebuilt"
	KindFailed  KindState = "failed"
)

// KindProgress is one kind's outcome within a snapshot.
type KindProgress struct {
	Kind       string    `json:"kind"`
	State      KindState `json:"state"`
	Documents  int       `json:"documents,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ProgressSnapshot is an immutable copy of a job's progress.
type ProgressSnapshot struct {
	ID             string         `json:"id"`
	Status         JobStatus      `json:"status"`
	Kinds          []KindProgress `json:"kinds"`
	Completed      int            `json:"completed"`
	Total          int            `json:"total"`
	ProgressPct    float64        `json:"progress_pct"`
	StartedAt      time.Time      `json:"started_at"`
	ElapsedSeconds int            `json:"elapsed_seconds"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Progress is the thread-safe progress of one rebuild job.
type Progress struct {
	mu sync.RWMutex

	id        string
	status    JobStatus
	order     []document.Kind
	kinds     map[document.Kind]*KindProgress
	startTime time.Time
	endTime   time.Time
	errorMsg  string
}

// NewProgress creates a running job over kinds, all pending.
func NewProgress(id string, kinds []document.Kind) *Progress {
	p := &Progress{
		id:        id,
		status:    StatusRunning,
		order:     append([]document.Kind(nil), kinds...),
		kinds:     make(map[document.Kind]*KindProgress, len(kinds)),
		startTime: time.Now(),
	}
	for _, k := range kinds {
		p.kinds[k] = &KindProgress{Kind: k.Label(), State: KindPending}
	}
	return p
}

// ID returns the job identifier.
func (p *Progress) ID() string { return p.id }

// Observe records a maintainer progress event. It has the signature of
// index.ProgressFunc.
func (p *Progress) Observe(ev index.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kp, ok := p.kinds[ev.Kind]
	if !ok {
		return
	}
	switch {
	case !ev.Done:
		kp.State = KindRunning
	case ev.Err != nil:
		kp.State = KindFailed
		kp.Error = ev.Err.Error()
	default:
		kp.State = KindRebuilt
		kp.Documents = ev.Stats.Documents
		kp.Generation = ev.Stats.Generation
		kp.DurationMS = ev.Stats.Duration.Milliseconds()
	}
}

// Finish ends the job. A nil err means every kind rebuilt.
func (p *Progress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endTime = time.Now()
	if err != nil {
		p.status = StatusError
		p.errorMsg = err.Error()
		return
	}
	p.status = StatusDone
}

// IsRunning reports whether the job has not finished.
func (p *Progress) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusRunning
}

// Snapshot returns an immutable copy of the current progress state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		ID:           p.id,
		Status:       p.status,
		Kinds:        make([]KindProgress, 0, len(p.order)),
		Total:        len(p.order),
		StartedAt:    p.startTime,
		ErrorMessage: p.errorMsg,
	}
	for _, k := range p.order {
		kp := *p.kinds[k]
		if kp.State == KindRebuilt || kp.State == KindFailed {
			snap.Completed++
		}
		snap.Kinds = append(snap.Kinds, kp)
	}
	if snap.Total > 0 {
		snap.ProgressPct = float64(snap.Completed) / float64(snap.Total) * 100.0
	}
	end := p.endTime
	if end.IsZero() {
		end = time.Now()
	}
	snap.ElapsedSeconds = int(end.Sub(p.startTime).Seconds())
	return snap
}
