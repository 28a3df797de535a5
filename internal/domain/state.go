package domain

// SubmissionStatus values are read by downstream consumers of the catalog and
// must not change.
type SubmissionStatus string

const (
	StatusInQueue           SubmissionStatus = "in queue for ICR"
	StatusInProgress        SubmissionStatus = "ICR in progress"
	StatusError             SubmissionStatus = "ICR errored"
	StatusComplete          SubmissionStatus = "ICR complete"
	StatusPartiallyComplete SubmissionStatus = "ICR partially complete"
)

// Terminal reports whether no further counter or status mutation may happen.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusPartiallyComplete, StatusError:
		return true
	default:
		return false
	}
}

// CompletionStatus is the status set by the instance that observed the
// pending counter reach zero.
func CompletionStatus(errorPages int64) SubmissionStatus {
	if errorPages > 0 {
		return StatusPartiallyComplete
	}
	return StatusComplete
}

type PageStatus string

const (
	PageStatusNormal PageStatus = "normal"
	PageStatusError  PageStatus = "error"
)
