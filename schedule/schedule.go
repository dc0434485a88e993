// Package schedule evaluates job schedule specifications.
//
// A Spec is a tagged union: either a fixed interval (sum of duration fields)
// or a five-field crontab. The evaluator answers one question: given when the
// job last fired, when is it next due?
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type tags a schedule specification.
type Type string

const (
	TypeInterval Type = "interval"
	TypeCrontab  Type = "crontab"
)

// ConfigurationError indicates a schedule specification that cannot be
// evaluated: an unrecognized type tag or an unparseable crontab expression.
// Callers treat the owning job as unschedulable rather than failing the loop.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid schedule specification: %s", e.Reason)
}

// Crontab parser: standard five fields (minute, hour, day-of-month, month,
// day-of-week), no seconds, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec is a stored schedule specification. Exactly one type tag is
// recognized; the fields relevant to the other type are ignored.
type Spec struct {
	Type Type `json:"type"`

	// Interval fields. Any subset may be present; zero default.
	Weeks        int `json:"weeks,omitempty"`
	Days         int `json:"days,omitempty"`
	Hours        int `json:"hours,omitempty"`
	Minutes      int `json:"minutes,omitempty"`
	Seconds      int `json:"seconds,omitempty"`
	Milliseconds int `json:"milliseconds,omitempty"`
	Microseconds int `json:"microseconds,omitempty"`

	// Crontab fields. Empty means "*".
	Minute      string `json:"minute,omitempty"`
	Hour        string `json:"hour,omitempty"`
	DayOfMonth  string `json:"day_of_month,omitempty"`
	MonthOfYear string `json:"month_of_year,omitempty"`
	DayOfWeek   string `json:"day_of_week,omitempty"`
}

// Interval returns the fixed duration between fires for an interval spec.
func (s *Spec) Interval() time.Duration {
	return time.Duration(s.Weeks)*7*24*time.Hour +
		time.Duration(s.Days)*24*time.Hour +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Seconds)*time.Second +
		time.Duration(s.Milliseconds)*time.Millisecond +
		time.Duration(s.Microseconds)*time.Microsecond
}

// cronExpr assembles the five-field crontab expression, defaulting empty
// fields to "*".
func (s *Spec) cronExpr() string {
	field := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "*"
		}
		return strings.TrimSpace(v)
	}
	return strings.Join([]string{
		field(s.Minute),
		field(s.Hour),
		field(s.DayOfMonth),
		field(s.MonthOfYear),
		field(s.DayOfWeek),
	}, " ")
}

// Validate checks that the spec carries a recognized type tag and, for
// crontab specs, that the expression parses.
func (s *Spec) Validate() error {
	switch s.Type {
	case TypeInterval:
		if s.Interval() <= 0 {
			return &ConfigurationError{Reason: "interval must be positive"}
		}
		return nil
	case TypeCrontab:
		if _, err := parser.Parse(s.cronExpr()); err != nil {
			return &ConfigurationError{Reason: fmt.Sprintf("bad crontab %q: %v", s.cronExpr(), err)}
		}
		return nil
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown type %q", s.Type)}
	}
}

// NextDue computes the earliest due time at or after lastFired for this spec.
//
// Interval: lastFired + interval; due immediately (now) when the job never
// fired. Crontab: the next matching time strictly after lastFired, or now
// when the job never fired.
func (s *Spec) NextDue(lastFired *time.Time, now time.Time) (time.Time, error) {
	switch s.Type {
	case TypeInterval:
		if lastFired == nil {
			return now, nil
		}
		return lastFired.Add(s.Interval()), nil
	case TypeCrontab:
		sched, err := parser.Parse(s.cronExpr())
		if err != nil {
			return time.Time{}, &ConfigurationError{Reason: fmt.Sprintf("bad crontab %q: %v", s.cronExpr(), err)}
		}
		if lastFired == nil {
			return now, nil
		}
		return sched.Next(*lastFired), nil
	default:
		return time.Time{}, &ConfigurationError{Reason: fmt.Sprintf("unknown type %q", s.Type)}
	}
}

// Due reports whether the spec is due at now given lastFired.
func (s *Spec) Due(lastFired *time.Time, now time.Time) (bool, error) {
	next, err := s.NextDue(lastFired, now)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}
