// Package registry tracks per-workspace sync state: the latest index info and
// the in-flight build and search jobs. State is process-wide and never persisted.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/vecsync/internal/models"
)

// Kind names a job slot. Each workspace holds at most one job per kind.
type Kind string

const (
	KindBuild  Kind = "build"
	KindSearch Kind = "search"
)

// Job is a cancellable unit of work registered in a workspace slot.
type Job struct {
	ID        string
	Workspace string
	Kind      Kind
	Started   time.Time
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	prev     *Job
}

// Cancel cancels the job's context.
func (j *Job) Cancel() {
	if j != nil && j.cancel != nil {
		j.cancel()
	}
}

// Done is closed once the job has been finished and every job that held the
// slot before it has finished too.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// WaitPrevious blocks until the job that held the slot before this one has
// finished, or until ctx is done. Cancellation of the previous job is only a
// request; it may still be committing work when Begin returns.
func (j *Job) WaitPrevious(ctx context.Context) error {
	prev := j.prev
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		j.prev = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish closes done, after the previous job's done when this job never
// waited for it.
func (j *Job) finish() {
	j.doneOnce.Do(func() {
		prev := j.prev
		j.prev = nil
		if prev == nil {
			close(j.done)
			return
		}
		go func() {
			<-prev.done
			close(j.done)
		}()
	})
}

// JobInfo is the read-only view of a job exposed in snapshots.
type JobInfo struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Started time.Time `json:"started"`
}

func (j *Job) info() *JobInfo {
	return &JobInfo{ID: j.ID, Kind: j.Kind, Started: j.Started}
}

// WorkspaceState is a copy of one workspace's sync state.
type WorkspaceState struct {
	Workspace string           `json:"workspace"`
	IndexInfo *models.IndexInfo `json:"index_info,omitempty"`
	Build     *JobInfo         `json:"build,omitempty"`
	Search    *JobInfo         `json:"search,omitempty"`
}

// Snapshot is a deep copy of the registry, keyed by workspace.
type Snapshot map[string]WorkspaceState

// Workspaces returns the snapshot's workspace names in sorted order.
func (s Snapshot) Workspaces() []string {
	names := make([]string, 0, len(s))
	for ws := range s {
		names = append(names, ws)
	}
	sort.Strings(names)
	return names
}

type entry struct {
	info    models.IndexInfo
	hasInfo bool
	jobs    map[Kind]*Job
	// last holds the most recently begun job per kind, even after Cancel clears its slot.
	last map[Kind]*Job
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	changes chan struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		changes: make(chan struct{}, 1),
	}
}

// Changes returns a channel that receives a value after state changes.
// Notifications coalesce: several changes may produce one receive.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

func (r *Registry) entryLocked(ws string) *entry {
	e, ok := r.entries[ws]
	if !ok {
		e = &entry{jobs: make(map[Kind]*Job), last: make(map[Kind]*Job)}
		r.entries[ws] = e
	}
	return e
}

// SetIndexInfo replaces the workspace's index info and reports whether it changed.
func (r *Registry) SetIndexInfo(ws string, info models.IndexInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(ws)
	if e.hasInfo && e.info == info {
		return false
	}
	e.info = info
	e.hasInfo = true
	r.notify()
	return true
}

// IndexInfo returns the last recorded index info for ws. It reports false until
// SetIndexInfo has been called for ws, even when jobs have registered there.
func (r *Registry) IndexInfo(ws string) (models.IndexInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ws]
	if !ok || !e.hasInfo {
		return models.IndexInfo{}, false
	}
	return e.info, true
}

// Begin registers a new job of kind for ws and returns the context it must run under.
// Any job already registered in that slot is cancelled and replaced. The job is
// registered before Begin returns, so a caller can start its goroutine afterwards
// without a window where the slot looks empty. The previous job may still be
// running; callers that must not overlap it call WaitPrevious.
func (r *Registry) Begin(parent context.Context, ws string, kind Kind) (context.Context, *Job) {
	ctx, cancel := context.WithCancel(parent)
	job := &Job{
		ID:        uuid.New().String(),
		Workspace: ws,
		Kind:      kind,
		Started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	e := r.entryLocked(ws)
	prev := e.jobs[kind]
	job.prev = e.last[kind]
	e.jobs[kind] = job
	e.last[kind] = job
	r.notify()
	r.mu.Unlock()

	prev.Cancel()
	return ctx, job
}

// Finish releases job's slot if job is still the registered one, releases the
// job's context and closes Done. It reports whether the slot was cleared.
func (r *Registry) Finish(ws string, job *Job) bool {
	if job == nil {
		return false
	}
	job.Cancel()
	job.finish()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ws]
	if !ok {
		return false
	}
	if e.last[job.Kind] == job {
		delete(e.last, job.Kind)
	}
	if e.jobs[job.Kind] != job {
		return false
	}
	delete(e.jobs, job.Kind)
	r.notify()
	return true
}

// Cancel cancels the job registered in ws's kind slot and clears the slot.
// It reports whether a job was cancelled; cancelling an empty slot is a no-op.
func (r *Registry) Cancel(ws string, kind Kind) bool {
	r.mu.Lock()
	e, ok := r.entries[ws]
	var job *Job
	if ok {
		job = e.jobs[kind]
		delete(e.jobs, kind)
	}
	if job != nil {
		r.notify()
	}
	r.mu.Unlock()

	if job == nil {
		return false
	}
	job.Cancel()
	return true
}

// Active returns the job registered in ws's kind slot.
func (r *Registry) Active(ws string, kind Kind) (*JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ws]
	if !ok {
		return nil, false
	}
	job, ok := e.jobs[kind]
	if !ok {
		return nil, false
	}
	return job.info(), true
}

// Snapshot returns a deep copy of every workspace's state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(Snapshot, len(r.entries))
	for ws, e := range r.entries {
		st := WorkspaceState{Workspace: ws}
		if e.hasInfo {
			info := e.info
			st.IndexInfo = &info
		}
		if j, ok := e.jobs[KindBuild]; ok {
			st.Build = j.info()
		}
		if j, ok := e.jobs[KindSearch]; ok {
			st.Search = j.info()
		}
		snap[ws] = st
	}
	return snap
}
