package run

// Status is a run's position in its lifecycle.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusWarning        Status = "WARNING"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusCancelling     Status = "CANCELLING"
	StatusCancelled      Status = "CANCELLED"
)

// AllStatuses lists every status the machine knows, in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusWarning,
	StatusPartialSuccess,
	StatusCancelling,
	StatusCancelled,
}

// transitions is the full set of legal status moves. A queued run that is
// stopped goes straight to CANCELLED since no worker holds it; a running
// run passes through CANCELLING and waits for the worker to acknowledge.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusSuccess, StatusFailed, StatusWarning, StatusPartialSuccess, StatusCancelling},
	StatusCancelling: {StatusCancelled},
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusWarning, StatusPartialSuccess, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// finalStatus maps a single run's reported outcome to its terminal status.
func finalStatus(success bool, erroredEntries int) Status {
	switch {
	case !success:
		return StatusFailed
	case erroredEntries > 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}
