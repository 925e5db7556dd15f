package task

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldtask/app/core/db"
)

const selectColumns = `id, worker_id, description, location, due_time, status, COALESCE(reason, ''), created_at, COALESCE(completed_at, 0)`

type Store struct {
	db *db.DB

	mu        sync.RWMutex
	onCreated func(Task)
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// OnCreated registers the hook fired after a task row is committed. The
// dispatcher uses it to push assignment notifications; the hook runs outside
// any store transaction.
func (s *Store) OnCreated(fn func(Task)) {
	s.mu.Lock()
	s.onCreated = fn
	s.mu.Unlock()
}

func (s *Store) Create(ctx context.Context, t Task) (Task, error) {
	t.WorkerID = strings.TrimSpace(t.WorkerID)
	if t.WorkerID == "" {
		return Task{}, fmt.Errorf("task: worker id is required")
	}
	t.Description = strings.TrimSpace(t.Description)
	if t.Description == "" {
		return Task{}, fmt.Errorf("task: description is required")
	}
	if t.DueTime <= 0 {
		return Task{}, fmt.Errorf("task: due time is required")
	}

	t.ID = uuid.NewString()
	t.Status = StatusNew
	t.Reason = ""
	t.CreatedAt = time.Now().Unix()
	t.CompletedAt = 0

	query := `INSERT INTO tasks (id, worker_id, description, location, due_time, status, created_at, completed_at, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`
	if _, err := s.db.Conn().ExecContext(ctx, query,
		t.ID, t.WorkerID, t.Description, t.Location, t.DueTime, string(t.Status), t.CreatedAt); err != nil {
		return Task{}, err
	}

	s.mu.RLock()
	hook := s.onCreated
	s.mu.RUnlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (Task, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// ListActiveFor returns the worker's non-terminal tasks ordered by due time
// ascending with the id as tiebreak, so one listing always enumerates tasks
// in the same order.
func (s *Store) ListActiveFor(ctx context.Context, workerID string) ([]Task, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE worker_id = ? AND status IN ('new', 'in_progress') ORDER BY due_time ASC, id ASC`,
		workerID)
}

// ListFor returns every task assigned to the worker, terminal ones included.
func (s *Store) ListFor(ctx context.Context, workerID string) ([]Task, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE worker_id = ? ORDER BY due_time ASC, id ASC`,
		workerID)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Task
	for rows.Next() {
		var t Task
		var status string
		if err := rows.Scan(&t.ID, &t.WorkerID, &t.Description, &t.Location, &t.DueTime, &status, &t.Reason, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		items = append(items, t)
	}
	return items, rows.Err()
}

// MarkListed flips every `new` task of the worker to `in_progress`. Listing a
// task is the point where work is considered started.
func (s *Store) MarkListed(ctx context.Context, workerID string) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET status = 'in_progress' WHERE worker_id = ? AND status = 'new'`, workerID)
	return err
}

// Transition applies event to the task owned by workerID. The status change
// is a single guarded UPDATE, so two racing transitions on the same record
// resolve deterministically: one row change wins, the loser is classified
// against the stored row and reported as ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, taskID, workerID string, event Event) (Task, error) {
	target, ok := event.target()
	if !ok {
		return Task{}, fmt.Errorf("task: unknown event %q", event)
	}

	var (
		res sql.Result
		err error
	)
	if target == StatusDone {
		res, err = s.db.Conn().ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND worker_id = ? AND status IN ('new', 'in_progress')`,
			string(target), time.Now().Unix(), taskID, workerID)
	} else {
		res, err = s.db.Conn().ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE id = ? AND worker_id = ? AND status IN ('new', 'in_progress')`,
			string(target), taskID, workerID)
	}
	if err != nil {
		return Task{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if affected == 0 {
		return Task{}, s.classifyMiss(ctx, taskID, workerID)
	}
	return s.Get(ctx, taskID)
}

// AttachReason stores the worker's free-text reason on a task that was just
// canceled or rejected. Any other status is ErrWrongState and the row is left
// untouched.
func (s *Store) AttachReason(ctx context.Context, taskID, workerID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("task: reason text is required")
	}

	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET reason = ? WHERE id = ? AND worker_id = ? AND status IN ('canceled', 'rejected')`,
		text, taskID, workerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if err := s.classifyMiss(ctx, taskID, workerID); err != ErrInvalidTransition {
			return err
		}
		return ErrWrongState
	}
	return nil
}

// classifyMiss distinguishes why a guarded UPDATE matched nothing.
func (s *Store) classifyMiss(ctx context.Context, taskID, workerID string) error {
	var owner, status string
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT worker_id, status FROM tasks WHERE id = ?`, taskID).Scan(&owner, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != workerID {
		return ErrNotOwner
	}
	return ErrInvalidTransition
}

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.ID, &t.WorkerID, &t.Description, &t.Location, &t.DueTime, &status, &t.Reason, &t.CreatedAt, &t.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	t.Status = Status(status)
	return t, nil
}
