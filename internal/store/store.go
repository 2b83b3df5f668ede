// Package store provides SQLite-based persistence for conversation history
// and per-user profile data.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Turn is one role-tagged message in a conversation history.
type Turn struct {
	Role    string
	Content string
}

// Profile holds the per-user profile fields. Pointer fields are nil when the
// value has never been submitted.
type Profile struct {
	UserID      int64
	Height      *float64
	Weight      *float64
	Preferences map[string]any
	UpdatedAt   time.Time
}

// ProfileUpdate is a partial profile write. Only non-nil fields overwrite
// stored values.
type ProfileUpdate struct {
	Height      *float64
	Weight      *float64
	Preferences map[string]any
}

// StorageError wraps a persistence I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists conversation turns and user profiles. It is constructed once
// at startup and passed explicitly to its consumers.
type Store struct {
	db *sql.DB

	// Serializes the exists-check-then-write inside UpsertProfile so that
	// concurrent partial updates for the same user cannot interleave.
	profileMu sync.Mutex
}

// Open opens (or creates) the database at the given path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user_id
	ON conversations(user_id, created_at);
	CREATE TABLE IF NOT EXISTS user_data (
		user_id INTEGER PRIMARY KEY,
		height REAL,
		weight REAL,
		preferences TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		db.Close()
		return nil, &StorageError{Op: "init schema", Err: err}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one conversation turn. Turns are immutable once written.
func (s *Store) Append(ctx context.Context, userID int64, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, role, content) VALUES (?, ?, ?);`,
		userID, role, content)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

// Recent returns at most limit turns for the user, oldest first. The newest
// limit turns are selected and then reversed to chronological order.
func (s *Store) Recent(ctx context.Context, userID int64, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM conversations
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?;`,
		userID, limit)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	defer rows.Close()

	var newest []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, &StorageError{Op: "recent", Err: err}
		}
		newest = append(newest, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}

	turns := make([]Turn, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		turns = append(turns, newest[i])
	}
	return turns, nil
}

// Clear deletes all turns for the user. It is a no-op when no history exists.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ?;`, userID)
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Profile returns the stored profile, or nil when the user has none.
func (s *Store) Profile(ctx context.Context, userID int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT height, weight, preferences, updated_at
		 FROM user_data WHERE user_id = ?;`, userID)

	var p Profile
	var prefs sql.NullString
	p.UserID = userID
	if err := row.Scan(&p.Height, &p.Weight, &prefs, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &StorageError{Op: "profile", Err: err}
	}
	if prefs.Valid && prefs.String != "" {
		if err := json.Unmarshal([]byte(prefs.String), &p.Preferences); err != nil {
			return nil, &StorageError{Op: "profile", Err: err}
		}
	}
	return &p, nil
}

// UpsertProfile merges the update into the stored profile. Only non-nil
// fields overwrite; an absent profile is created with the supplied fields.
func (s *Store) UpsertProfile(ctx context.Context, userID int64, update ProfileUpdate) error {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()

	var prefsJSON any
	if update.Preferences != nil {
		data, err := json.Marshal(update.Preferences)
		if err != nil {
			return &StorageError{Op: "upsert profile", Err: err}
		}
		prefsJSON = string(data)
	}

	var exists int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_data WHERE user_id = ?;`, userID).Scan(&exists)
	switch err {
	case nil:
		query := `UPDATE user_data SET updated_at = CURRENT_TIMESTAMP`
		args := []any{}
		if update.Height != nil {
			query += `, height = ?`
			args = append(args, *update.Height)
		}
		if update.Weight != nil {
			query += `, weight = ?`
			args = append(args, *update.Weight)
		}
		if prefsJSON != nil {
			query += `, preferences = ?`
			args = append(args, prefsJSON)
		}
		query += ` WHERE user_id = ?;`
		args = append(args, userID)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return &StorageError{Op: "upsert profile", Err: err}
		}
	case sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO user_data (user_id, height, weight, preferences) VALUES (?, ?, ?, ?);`,
			userID, update.Height, update.Weight, prefsJSON)
		if err != nil {
			return &StorageError{Op: "upsert profile", Err: err}
		}
	default:
		return &StorageError{Op: "upsert profile", Err: err}
	}
	return nil
}
