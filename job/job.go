// Package job holds job definitions: stored descriptions of recurring or
// on-demand units of work, with their schedule, default arguments and
// notification policy.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/schedule"
)

// MaxTitleLength bounds job titles.
const MaxTitleLength = 250

// Notifications is a job's notification policy: which recipients are
// emailed when a run reaches which terminal statuses.
type Notifications struct {
	Emails   []string `json:"emails,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

// WantsStatus reports whether the policy asks for notification on status.
func (n *Notifications) WantsStatus(status string) bool {
	if n == nil || len(n.Emails) == 0 {
		return false
	}
	for _, s := range n.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Job is a scheduled unit of work definition.
//
// Task references the job definition registry; it must resolve at dispatch
// time, not necessarily at save time. Schedule is nil for manual-trigger-only
// jobs. LastFiredAt is scheduler bookkeeping, recorded transactionally with
// run creation so a due occurrence fires exactly once.
type Job struct {
	ID            string         `json:"id"`
	Active        bool           `json:"active"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Task          string         `json:"task"`
	DefaultQueue  string         `json:"default_queue,omitempty"`
	DefaultArgs   map[string]any `json:"default_args,omitempty"`
	Schedule      *schedule.Spec `json:"schedule,omitempty"`
	Notifications *Notifications `json:"notifications,omitempty"`
	LastFiredAt   *time.Time     `json:"last_fired_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks the invariants that hold for every stored job.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be blank"}
	}
	if len(j.Title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", MaxTitleLength)}
	}
	if j.Task == "" {
		return &ValidationError{Field: "task", Reason: "must not be blank"}
	}
	if j.Schedule != nil {
		if err := j.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidationError reports a field-level invariant violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == errors.ErrInvalidRequest
}

// NotFoundError indicates a job ID that does not resolve.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job with ID %s does not exist", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == errors.ErrNotFound
}
