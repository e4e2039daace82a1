// Package notify delivers terminal task outcomes to submitters.
package notify

import (
	"context"

	"go.uber.org/multierr"

	"longaudio/logging"
	"longaudio/task"
)

// LogNotifier records outcomes in the application log only.
type LogNotifier struct{}

func (LogNotifier) TaskCompleted(_ context.Context, t *task.Task) error {
	logging.Info(logging.CategoryNotify, "task completed",
		"taskId", t.ID,
		"submitterId", t.SubmitterID,
		"name", t.DisplayName,
		"transcript", t.Result.TranscriptPath,
		"enhancedAudio", t.Result.EnhancedAudioPath,
	)
	return nil
}

func (LogNotifier) TaskFailed(_ context.Context, t *task.Task, summary string) error {
	logging.Info(logging.CategoryNotify, "task failed",
		"taskId", t.ID,
		"submitterId", t.SubmitterID,
		"name", t.DisplayName,
		"summary", summary,
	)
	return nil
}

// Multi fans an outcome out to every notifier. One failing target does not
// stop the others; the errors are combined.
type Multi []task.Notifier

func (m Multi) TaskCompleted(ctx context.Context, t *task.Task) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.TaskCompleted(ctx, t))
	}
	return err
}

func (m Multi) TaskFailed(ctx context.Context, t *task.Task, summary string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.TaskFailed(ctx, t, summary))
	}
	return err
}
