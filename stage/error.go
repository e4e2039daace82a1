// Package stage classifies pipeline failures by the processing stage that
// produced them, so the queue can decide what is fatal to a task.
package stage

import (
	"errors"
	"fmt"
)

// Stage names one step of task processing.
type Stage string

const (
	Segmentation  Stage = "segmentation"
	Enhancement   Stage = "enhancement"
	Transcription Stage = "transcription"
	Persistence   Stage = "persistence"
)

// Error is a stage-aware error.
type Error struct {
	Stage   Stage
	Message string
	Err     error
}

// Wrap builds an Error for stage s.
func Wrap(s Stage, msg string, err error) *Error {
	return &Error{Stage: s, Message: msg, Err: err}
}

// Error formats the failure for logs.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Summary is the text shown to a submitter. It never includes the
// underlying error chain.
func (e *Error) Summary() string {
	switch e.Stage {
	case Segmentation:
		return "The recording could not be read or split: " + e.Message
	case Transcription:
		return "Speech recognition failed: " + e.Message
	case Persistence:
		return "The task could not be saved, please try again later"
	case Enhancement:
		return "Audio enhancement failed: " + e.Message
	default:
		return e.Message
	}
}

// Of reports the stage of the first Error in err's chain.
func Of(err error) (Stage, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Summary returns a submitter-facing description of any error.
func Summary(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Summary()
	}
	return "Processing failed due to an internal error"
}
