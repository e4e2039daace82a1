package task

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition means the row was not in the state the
	// operation requires, typically because another worker owns it.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Result holds the artifacts of a completed task.
type Result struct {
	TranscriptPath    string `json:"transcriptPath,omitempty"`
	EnhancedAudioPath string `json:"enhancedAudioPath,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	SubmitterID int64     `json:"submitterId"`
	SourcePath  string    `json:"-"`
	DisplayName string    `json:"displayName"`
	Status      Status    `json:"status"`
	Result      Result    `json:"result"`
	Error       string    `json:"error,omitempty"`
	WorkerID    string    `json:"workerId,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Stats counts tasks by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// NewID derives a task id from the submitter and creation time. Ids sort by
// creation time within one submitter.
func NewID(submitterID int64, t time.Time) string {
	return fmt.Sprintf("%d_%d", submitterID, t.UnixMilli())
}
