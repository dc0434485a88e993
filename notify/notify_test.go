package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/run"
)

type fakeSender struct {
	recipients []string
	subject    string
	body       string
	err        error
}

func (s *fakeSender) Send(_ context.Context, recipients []string, subject, body string) error {
	s.recipients = recipients
	s.subject = subject
	s.body = body
	return s.err
}

func testJob() *job.Job {
	return &job.Job{
		ID:    "j1",
		Title: "Nightly harvest",
		Notifications: &job.Notifications{
			Emails:   []string{"ops@example.org", "data@example.org"},
			Statuses: []string{"FAILED", "PARTIAL_SUCCESS"},
		},
	}
}

func TestRenderFailed(t *testing.T) {
	started := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)
	finished := started.Add(10 * time.Minute)
	r := &run.Run{
		ID:         "r1",
		Status:     run.StatusFailed,
		Message:    "upstream timeout",
		StartedAt:  util.Ptr(started),
		FinishedAt: util.Ptr(finished),
	}

	subject, body := Render(testJob(), r)
	assert.Equal(t, "Job Failed: Nightly harvest", subject)
	assert.Contains(t, body, "encountered an error")
	assert.Contains(t, body, "upstream timeout")
	assert.Contains(t, body, "2025-05-01 03:00:00 UTC")
	assert.Contains(t, body, "2025-05-01 03:10:00 UTC")
}

func TestRenderPartialSuccessCounts(t *testing.T) {
	r := &run.Run{
		ID:             "r1",
		Status:         run.StatusPartialSuccess,
		TotalEntries:   1000,
		ErroredEntries: 25,
	}
	subject, body := Render(testJob(), r)
	assert.Equal(t, "Job Completed with Errors: Nightly harvest", subject)
	assert.Contains(t, body, "975 of 1000 entries succeeded")
}

func TestRenderUnknownStatusFallback(t *testing.T) {
	r := &run.Run{ID: "r1", Status: run.StatusRunning}
	subject, _ := Render(testJob(), r)
	assert.Equal(t, "Job Status: RUNNING: Nightly harvest", subject)
}

func TestRunFinishedDelivers(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifier(sender)

	r := &run.Run{ID: "r1", Status: run.StatusFailed}
	require.NoError(t, n.RunFinished(context.Background(), testJob(), r))

	assert.Equal(t, []string{"ops@example.org", "data@example.org"}, sender.recipients)
	assert.Contains(t, sender.subject, "Job Failed")
}

func TestRunFinishedNoRecipients(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifier(sender)

	j := &job.Job{ID: "j1", Title: "Silent"}
	r := &run.Run{ID: "r1", Status: run.StatusFailed}
	require.NoError(t, n.RunFinished(context.Background(), j, r))
	assert.Empty(t, sender.recipients)
}

func TestRunFinishedSenderError(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp unreachable")}
	n := NewEmailNotifier(sender)

	r := &run.Run{ID: "r1", Status: run.StatusFailed}
	err := n.RunFinished(context.Background(), testJob(), r)
	assert.Error(t, err)
}

func TestNilSenderFallsBackToLog(t *testing.T) {
	n := NewEmailNotifier(nil)
	r := &run.Run{ID: "r1", Status: run.StatusCancelled}
	assert.NoError(t, n.RunFinished(context.Background(), testJob(), r))
}
