// Package notify turns terminal run states into email notifications,
// rendered per status and delivered through a pluggable sender.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/run"
)

// Sender delivers a rendered notification. Implementations wrap whatever
// transport the deployment uses (SMTP relay, provider API).
type Sender interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// LogSender writes notifications to the log instead of delivering them.
// The default when no mail transport is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipients []string, subject, body string) error {
	logger.Named("notify").Infow("Notification (log only)",
		"recipients", recipients, "subject", subject)
	return nil
}

type statusContent struct {
	title   string
	summary string
	action  string
}

var statusMessages = map[run.Status]statusContent{
	run.StatusSuccess: {
		title:   "Job Completed Successfully",
		summary: "has completed successfully.",
		action:  "You can review the results in the run history.",
	},
	run.StatusFailed: {
		title:   "Job Failed",
		summary: "encountered an error and could not complete.",
		action:  "Please review the run details or contact your administrator.",
	},
	run.StatusPartialSuccess: {
		title:   "Job Completed with Errors",
		summary: "completed but encountered errors.",
		action:  "Please review which items failed and take action if needed.",
	},
	run.StatusWarning: {
		title:   "Job Completed with Warnings",
		summary: "completed with warnings.",
		action:  "Please review the run details.",
	},
	run.StatusCancelled: {
		title:   "Job Cancelled",
		summary: "was cancelled before completing.",
		action:  "No further action is required.",
	},
}

// EmailNotifier renders and sends run notifications. It implements the run
// service's Notifier contract.
type EmailNotifier struct {
	sender Sender
	log    *zap.SugaredLogger
}

// NewEmailNotifier creates a notifier delivering through sender. A nil
// sender falls back to LogSender.
func NewEmailNotifier(sender Sender) *EmailNotifier {
	if sender == nil {
		sender = LogSender{}
	}
	return &EmailNotifier{
		sender: sender,
		log:    logger.Named("notify"),
	}
}

// RunFinished notifies the job's recipients about a run's terminal status.
// The caller has already checked the job's notification policy.
func (n *EmailNotifier) RunFinished(ctx context.Context, j *job.Job, r *run.Run) error {
	if j.Notifications == nil || len(j.Notifications.Emails) == 0 {
		return nil
	}

	subject, body := Render(j, r)
	if err := n.sender.Send(ctx, j.Notifications.Emails, subject, body); err != nil {
		return err
	}
	n.log.Infow("Sent run notification",
		"run_id", r.ID, "job_id", j.ID, "status", r.Status,
		"recipients", len(j.Notifications.Emails))
	return nil
}

// Render builds the subject and plain-text body for a run notification.
func Render(j *job.Job, r *run.Run) (subject, body string) {
	content, ok := statusMessages[r.Status]
	if !ok {
		content = statusContent{
			title:   fmt.Sprintf("Job Status: %s", r.Status),
			summary: fmt.Sprintf("has a status update: %s", r.Status),
			action:  "Please review the run details for more information.",
		}
	}

	subject = fmt.Sprintf("%s: %s", content.title, j.Title)

	var b strings.Builder
	fmt.Fprintf(&b, "Job '%s' %s\n\n", j.Title, content.summary)
	fmt.Fprintf(&b, "Run ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	if r.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", r.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if r.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", r.FinishedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "Details: %s\n", r.Message)
	}
	if r.Status == run.StatusPartialSuccess && r.TotalEntries > 0 && r.ErroredEntries > 0 {
		fmt.Fprintf(&b, "Processed: %d of %d entries succeeded\n",
			r.TotalEntries-r.ErroredEntries, r.TotalEntries)
	}
	fmt.Fprintf(&b, "\n%s\n", content.action)

	return subject, b.String()
}
