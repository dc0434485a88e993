// Package registry holds the catalog of task types a deployment knows how
// to run. Jobs reference task types by ID; the registry resolves that
// reference at dispatch time and supplies default arguments.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/logger"
)

// ArgsBuilder produces the default argument map for a scheduled occurrence
// of a task. since is the job's previous fire time, nil on first fire.
type ArgsBuilder func(j *job.Job, since *time.Time) map[string]any

// TaskType describes one kind of work the system can execute.
type TaskType struct {
	ID          string
	Title       string
	Description string
	BuildArgs   ArgsBuilder
}

// Registry maps task type IDs to their definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TaskType
}

// New creates an empty task type registry.
func New() *Registry {
	return &Registry{types: make(map[string]*TaskType)}
}

// Register adds a task type. Registering the same ID twice is a programming
// error and is rejected rather than silently overwritten.
func (r *Registry) Register(t *TaskType) error {
	if t.ID == "" {
		return errors.New("task type ID must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.ID]; exists {
		return errors.Newf("task type %q already registered", t.ID)
	}
	r.types[t.ID] = t
	logger.Named("registry").Debugw("Registered task type", "id", t.ID, "title", t.Title)
	return nil
}

// MustRegister registers a task type and panics on failure. For use from
// init-time wiring where a duplicate means a broken build.
func (r *Registry) MustRegister(t *TaskType) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get resolves a task type by ID.
func (r *Registry) Get(id string) (*TaskType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// IDs returns the registered task type IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultArgs builds the default arguments for a job's task type. Falls
// back to the job's stored default_args when the task type has no builder
// or is unknown.
func (r *Registry) DefaultArgs(j *job.Job, since *time.Time) map[string]any {
	t, ok := r.Get(j.Task)
	if !ok || t.BuildArgs == nil {
		return j.DefaultArgs
	}
	return t.BuildArgs(j, since)
}
