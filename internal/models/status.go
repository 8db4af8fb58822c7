package models

import "fmt"

// JobStatus enumerates lifecycle states persisted for a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusProcessing  JobStatus = "processing"
	StatusNeedsReview JobStatus = "needs_review"
	StatusReady       JobStatus = "ready"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	StatusPending: {
		StatusProcessing: {},
		StatusFailed:     {},
		StatusCancelled:  {},
	},
	StatusProcessing: {
		// restart after a crashed run; callers hold the job lock.
		StatusProcessing:  {},
		StatusNeedsReview: {},
		StatusReady:       {},
		StatusFailed:      {},
		StatusCancelled:   {},
	},
	StatusNeedsReview: {
		StatusProcessing:  {},
		StatusNeedsReview: {},
		StatusCancelled:   {},
	},
	StatusReady: {
		StatusProcessing:  {},
		StatusNeedsReview: {},
		StatusCancelled:   {},
	},
	StatusFailed: {
		StatusProcessing:  {},
		StatusNeedsReview: {},
		StatusCancelled:   {},
	},
	StatusCancelled: {},
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (JobStatus, error) {
	status := JobStatus(raw)
	if _, ok := allowedTransitions[status]; !ok {
		return "", fmt.Errorf("invalid job status: %q", raw)
	}
	return status, nil
}

// ValidateTransition reports whether a job may move from one status to another.
func ValidateTransition(from, to JobStatus) error {
	if _, err := ParseStatus(string(from)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(to)); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether a status ends an orchestrator run.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusNeedsReview, StatusReady, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
