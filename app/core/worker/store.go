package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldtask/app/core/db"
)

var (
	ErrNotFound              = errors.New("worker: not found")
	ErrUnknownContact        = errors.New("worker: unknown contact")
	ErrAlreadyBoundElsewhere = errors.New("worker: chat identity already bound elsewhere")
	ErrDuplicateContact      = errors.New("worker: contact identifier already registered")
)

const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

type Worker struct {
	ID        string
	ContactID string
	ChatID    string // empty until bound
	Name      string
	Role      string
	CreatedAt int64
}

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) Create(ctx context.Context, contactID, name, role string) (Worker, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return Worker{}, fmt.Errorf("worker: contact id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Worker{}, fmt.Errorf("worker: name is required")
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = RoleWorker
	}
	if role != RoleAdmin && role != RoleWorker {
		return Worker{}, fmt.Errorf("worker: invalid role %q", role)
	}

	w := Worker{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().Unix(),
	}
	query := `INSERT INTO workers (id, contact_id, chat_id, name, role, created_at) VALUES (?, ?, NULL, ?, ?, ?)`
	if _, err := s.db.Conn().ExecContext(ctx, query, w.ID, w.ContactID, w.Name, w.Role, w.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Worker{}, ErrDuplicateContact
		}
		return Worker{}, err
	}
	return w, nil
}

// Bind attaches a chat identity to the worker registered under contactID.
// Rebinding with the same chat identity is idempotent. A worker already bound
// to a different chat, or a chat identity already owned by a different
// worker, is rejected with ErrAlreadyBoundElsewhere; the stored binding is
// never overwritten.
func (s *Store) Bind(ctx context.Context, contactID, chatID string) (Worker, error) {
	contactID = strings.TrimSpace(contactID)
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Worker{}, fmt.Errorf("worker: chat id is required")
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Worker{}, err
	}
	defer tx.Rollback()

	var w Worker
	var bound sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT id, contact_id, chat_id, name, role, created_at FROM workers WHERE contact_id = ?`, contactID)
	if err := row.Scan(&w.ID, &w.ContactID, &bound, &w.Name, &w.Role, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Worker{}, ErrUnknownContact
		}
		return Worker{}, err
	}

	if bound.Valid {
		if bound.String == chatID {
			w.ChatID = chatID
			return w, nil
		}
		return Worker{}, ErrAlreadyBoundElsewhere
	}

	var takenBy string
	err = tx.QueryRowContext(ctx, `SELECT id FROM workers WHERE chat_id = ? AND id != ?`, chatID, w.ID).Scan(&takenBy)
	if err == nil {
		return Worker{}, ErrAlreadyBoundElsewhere
	}
	if err != sql.ErrNoRows {
		return Worker{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workers SET chat_id = ? WHERE id = ? AND chat_id IS NULL`, chatID, w.ID); err != nil {
		if isUniqueViolation(err) {
			return Worker{}, ErrAlreadyBoundElsewhere
		}
		return Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return Worker{}, err
	}
	w.ChatID = chatID
	return w, nil
}

func (s *Store) ResolveByChatID(ctx context.Context, chatID string) (Worker, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, contact_id, chat_id, name, role, created_at FROM workers WHERE chat_id = ?`, chatID)
	return scanWorker(row)
}

func (s *Store) Get(ctx context.Context, id string) (Worker, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, contact_id, chat_id, name, role, created_at FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (s *Store) List(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, contact_id, chat_id, name, role, created_at FROM workers ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Worker
	for rows.Next() {
		var w Worker
		var bound sql.NullString
		if err := rows.Scan(&w.ID, &w.ContactID, &bound, &w.Name, &w.Role, &w.CreatedAt); err != nil {
			return nil, err
		}
		if bound.Valid {
			w.ChatID = bound.String
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// EnsureAdmin creates the administrative worker record for contactID if it
// does not already exist.
func (s *Store) EnsureAdmin(ctx context.Context, contactID, name string) (Worker, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return Worker{}, fmt.Errorf("worker: admin contact id is required")
	}

	var w Worker
	var bound sql.NullString
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, contact_id, chat_id, name, role, created_at FROM workers WHERE contact_id = ?`, contactID)
	err := row.Scan(&w.ID, &w.ContactID, &bound, &w.Name, &w.Role, &w.CreatedAt)
	if err == nil {
		if bound.Valid {
			w.ChatID = bound.String
		}
		return w, nil
	}
	if err != sql.ErrNoRows {
		return Worker{}, err
	}
	return s.Create(ctx, contactID, name, RoleAdmin)
}

func scanWorker(row *sql.Row) (Worker, error) {
	var w Worker
	var bound sql.NullString
	if err := row.Scan(&w.ID, &w.ContactID, &bound, &w.Name, &w.Role, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Worker{}, ErrNotFound
		}
		return Worker{}, err
	}
	if bound.Valid {
		w.ChatID = bound.String
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
