package domain

import (
	"strconv"
	"time"
)

const (
	errorCounterSuffix   = "__err"
	enqueueCounterSuffix = "__enq"
)

// Job is one page of a submission waiting for recognition.
type Job struct {
	ID           string `json:"id"`
	PageIndex    int    `json:"page_index"`
	SubmissionID string `json:"submission_id"`
	ImagePath    string `json:"image_path"`
}

// PendingKey is the counter store key holding the number of pages of a
// submission that have not been processed yet.
func PendingKey(submissionID string) string {
	return submissionID
}

// ErrorKey is the counter store key holding the number of pages of a
// submission that ended in a recognition error.
func ErrorKey(submissionID string) string {
	return submissionID + errorCounterSuffix
}

// EnqueueKey holds how many jobs of a submission the producer has pushed.
// It only exists while a submission is being queued.
func EnqueueKey(submissionID string) string {
	return submissionID + enqueueCounterSuffix
}

// Label is one (question, candidate letter) cell of the answer sheet.
type Label struct {
	Question int    `json:"question"`
	Letter   string `json:"letter"`
}

// ArtifactKind names a rendered crop saved next to a page result.
type ArtifactKind string

const (
	ArtifactPersonal ArtifactKind = "fio"
	ArtifactTestForm ArtifactKind = "test_form"
)

// PageResult is either NormalResult or ErrorResult.
type PageResult interface {
	Status() PageStatus
	isPageResult()
}

type NormalResult struct {
	Answers       map[string]string
	ArtifactPaths map[ArtifactKind]string
}

func (NormalResult) Status() PageStatus { return PageStatusNormal }
func (NormalResult) isPageResult()      {}

type ErrorResult struct {
	Reason string
}

func (ErrorResult) Status() PageStatus { return PageStatusError }
func (ErrorResult) isPageResult()      {}

// TestUpdate is an audit entry stored with every page result.
type TestUpdate struct {
	SessionID string            `json:"session_id" firestore:"session_id"`
	Updates   map[string]string `json:"updates" firestore:"updates"`
	Date      time.Time         `json:"date" firestore:"date"`
}

// PageRecord is the catalog representation of a PageResult.
type PageRecord struct {
	SubmissionID  string            `json:"submission_id" firestore:"UUID"`
	PageIndex     int               `json:"page_index" firestore:"i"`
	Status        PageStatus        `json:"status" firestore:"status"`
	TestResults   map[string]string `json:"test_results" firestore:"test_results"`
	ArtifactPaths map[string]string `json:"artifact_paths" firestore:"artifact_paths"`
	TestUpdates   []TestUpdate      `json:"test_updates" firestore:"test_updates"`
	CreatedAt     time.Time         `json:"created_at" firestore:"created_at"`
}

// NewPageRecord flattens a result for the catalog.
func NewPageRecord(job Job, result PageResult, now time.Time) PageRecord {
	rec := PageRecord{
		SubmissionID:  job.SubmissionID,
		PageIndex:     job.PageIndex,
		Status:        result.Status(),
		TestResults:   map[string]string{},
		ArtifactPaths: map[string]string{},
		TestUpdates:   []TestUpdate{},
		CreatedAt:     now.UTC(),
	}
	if normal, ok := result.(NormalResult); ok {
		for k, v := range normal.Answers {
			rec.TestResults[k] = v
		}
		for kind, path := range normal.ArtifactPaths {
			rec.ArtifactPaths[string(kind)] = path
		}
		rec.TestUpdates = append(rec.TestUpdates, TestUpdate{
			SessionID: "icr",
			Updates:   map[string]string{},
			Date:      now.UTC(),
		})
	}
	return rec
}

// SubmissionRecord is the catalog status record of a submission.
type SubmissionRecord struct {
	ID        string           `json:"id"`
	Status    SubmissionStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Counters is a snapshot of the two counters of a submission.
type Counters struct {
	SubmissionID string `json:"submission_id"`
	Pending      int64  `json:"pending"`
	Errors       int64  `json:"errors"`
	Tracked      bool   `json:"tracked"`
}

func questionKey(q int) string {
	return strconv.Itoa(q)
}

// ArtifactName is the file name of a rendered crop:
// {submissionId}__{pageIndex}_{kind}.jpg.
func ArtifactName(submissionID string, pageIndex int, kind ArtifactKind) string {
	return submissionID + "__" + strconv.Itoa(pageIndex) + "_" + string(kind) + ".jpg"
}
