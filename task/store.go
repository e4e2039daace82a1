package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"longaudio/logging"
	"longaudio/stage"
)

const taskColumns = `task_id, submitter_id, source_path, display_name, status, transcript_path,
	enhanced_audio_path, error_message, worker_id, attempts, created_at, updated_at`

// Store persists tasks in the audio_tasks table. It is the only writer of
// task status.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func persistence(op string, err error) error {
	return stage.Wrap(stage.Persistence, op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Enqueue inserts a pending task. When two uploads from one submitter land
// in the same millisecond the later one is shifted forward until its id is
// free.
func (s *Store) Enqueue(ctx context.Context, submitterID int64, sourcePath, displayName string) (*Task, error) {
	created := s.now()
	for attempt := 0; attempt < 100; attempt++ {
		at := created.Add(time.Duration(attempt) * time.Millisecond)
		t := &Task{
			ID:          NewID(submitterID, at),
			SubmitterID: submitterID,
			SourcePath:  sourcePath,
			DisplayName: displayName,
			Status:      StatusPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audio_tasks (task_id, submitter_id, source_path, display_name, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			t.ID, submitterID, sourcePath, displayName, StatusPending, at.UnixMilli(), at.UnixMilli(),
		)
		if err == nil {
			logging.Info(logging.CategoryStore, "task enqueued", "taskId", t.ID, "submitterId", submitterID)
			return t, nil
		}
		if !isUniqueViolation(err) {
			return nil, persistence("enqueue task", err)
		}
	}
	return nil, persistence("enqueue task", fmt.Errorf("no free task id for submitter %d", submitterID))
}

// ClaimNext moves the oldest pending task to processing for workerID. It
// returns nil when the queue is empty or another claimer won the row.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, persistence("claim task", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM audio_tasks
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`,
		StatusPending,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, persistence("claim task", err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE audio_tasks SET status = ?, worker_id = ?, attempts = attempts + 1, error_message = NULL, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		StatusProcessing, workerID, now.UnixMilli(), t.ID, StatusPending,
	)
	if err != nil {
		return nil, persistence("claim task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, persistence("claim task", err)
	}
	if affected == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, persistence("claim task", err)
	}

	t.Status = StatusProcessing
	t.WorkerID = workerID
	t.Attempts++
	t.Error = ""
	t.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return t, nil
}

// transition updates a task owned by workerID that is still processing.
func (s *Store) transition(ctx context.Context, op, id, workerID, set string, args ...interface{}) error {
	args = append(args, id, StatusProcessing, workerID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE audio_tasks SET `+set+` WHERE task_id = ? AND status = ? AND worker_id = ?`,
		args...,
	)
	if err != nil {
		return persistence(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistence(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrInvalidTransition)
	}
	return nil
}

// Heartbeat refreshes updated_at so the recovery sweep leaves the task alone.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string) error {
	return s.transition(ctx, "heartbeat", id, workerID, `updated_at = ?`, s.now().UnixMilli())
}

func (s *Store) Complete(ctx context.Context, id, workerID string, result Result) error {
	return s.transition(ctx, "complete task", id, workerID,
		`status = ?, transcript_path = ?, enhanced_audio_path = ?, error_message = NULL, updated_at = ?`,
		StatusCompleted, nullString(result.TranscriptPath), nullString(result.EnhancedAudioPath), s.now().UnixMilli(),
	)
}

func (s *Store) Fail(ctx context.Context, id, workerID, detail string) error {
	return s.transition(ctx, "fail task", id, workerID,
		`status = ?, error_message = ?, updated_at = ?`,
		StatusFailed, detail, s.now().UnixMilli(),
	)
}

// Requeue hands a processing task back to the queue, used when a worker
// shuts down mid-task.
func (s *Store) Requeue(ctx context.Context, id, workerID string) error {
	return s.transition(ctx, "requeue task", id, workerID,
		`status = ?, worker_id = NULL, updated_at = ?`,
		StatusPending, s.now().UnixMilli(),
	)
}

// RecoverStale resets processing tasks not updated within threshold back to
// pending and returns their ids. Safe to call repeatedly.
func (s *Store) RecoverStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, persistence("recover stale tasks", err)
	}
	defer tx.Rollback()

	now := s.now()
	cutoff := now.Add(-threshold).UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT task_id FROM audio_tasks WHERE status = ? AND updated_at < ? ORDER BY created_at`,
		StatusProcessing, cutoff,
	)
	if err != nil {
		return nil, persistence("recover stale tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, persistence("recover stale tasks", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistence("recover stale tasks", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE audio_tasks SET status = ?, worker_id = NULL, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		StatusPending, now.UnixMilli(), StatusProcessing, cutoff,
	); err != nil {
		return nil, persistence("recover stale tasks", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistence("recover stale tasks", err)
	}

	for _, id := range ids {
		logging.Warning(logging.CategoryStore, "recovered stale task", "taskId", id, "threshold", threshold.String())
	}
	return ids, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM audio_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, persistence("queue stats", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, persistence("queue stats", err)
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, persistence("queue stats", err)
	}
	return st, nil
}

// ForSubmitter lists a submitter's tasks, newest first. limit <= 0 means all.
func (s *Store) ForSubmitter(ctx context.Context, submitterID int64, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM audio_tasks
		WHERE submitter_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		submitterID, limit,
	)
	if err != nil {
		return nil, persistence("list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistence("list tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list tasks", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM audio_tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get task", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                                   Task
		transcript, enhanced, errMsg, owner sql.NullString
		created, updated                    int64
	)
	if err := row.Scan(&t.ID, &t.SubmitterID, &t.SourcePath, &t.DisplayName, &t.Status,
		&transcript, &enhanced, &errMsg, &owner, &t.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	t.Result = Result{TranscriptPath: transcript.String, EnhancedAudioPath: enhanced.String}
	t.Error = errMsg.String
	t.WorkerID = owner.String
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
