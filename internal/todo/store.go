// Package todo is a small Todo API backed by SQLite, served by cmd/alembic.
package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a todo or tag does not exist.
var ErrNotFound = errors.New("todo: not found")

// UnknownTagError reports a tag ID that does not exist.
type UnknownTagError struct {
	ID int64
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown tag %d", e.ID)
}

// Tag labels todos.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Todo is a todo item with its tags.
type Todo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	IsComplete bool   `json:"isComplete"`
	Tags       []Tag  `json:"tags"`
}

// Store persists todos and tags in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports a single writer; one connection also keeps
	// :memory: databases alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS todos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		is_complete INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS todo_tags (
		todo_id INTEGER NOT NULL REFERENCES todos(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (todo_id, tag_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// List returns every todo ordered by ID.
func (s *Store) List(ctx context.Context) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, is_complete FROM todos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query todos: %w", err)
	}
	defer rows.Close()

	todos := []Todo{}
	index := make(map[int64]int)
	for rows.Next() {
		t := Todo{Tags: []Tag{}}
		if err := rows.Scan(&t.ID, &t.Name, &t.IsComplete); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		index[t.ID] = len(todos)
		todos = append(todos, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tagRows, err := s.db.QueryContext(ctx, `
		SELECT tt.todo_id, t.id, t.name
		FROM todo_tags tt JOIN tags t ON t.id = tt.tag_id
		ORDER BY tt.todo_id, t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query todo tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var todoID int64
		var tag Tag
		if err := tagRows.Scan(&todoID, &tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		if i, ok := index[todoID]; ok {
			todos[i].Tags = append(todos[i].Tags, tag)
		}
	}
	return todos, tagRows.Err()
}

// Create inserts a todo linked to the given tags. Every tag must exist.
func (s *Store) Create(ctx context.Context, name string, tagIDs []int64) (Todo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Todo{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `INSERT INTO todos (name) VALUES (?)`, name)
	if err != nil {
		return Todo{}, fmt.Errorf("failed to insert todo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Todo{}, err
	}

	todo := Todo{ID: id, Name: name, Tags: []Tag{}}
	seen := make(map[int64]bool, len(tagIDs))
	for _, tagID := range tagIDs {
		if seen[tagID] {
			continue
		}
		seen[tagID] = true

		var tag Tag
		err := tx.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE id = ?`, tagID).Scan(&tag.ID, &tag.Name)
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, &UnknownTagError{ID: tagID}
		}
		if err != nil {
			return Todo{}, fmt.Errorf("failed to load tag %d: %w", tagID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO todo_tags (todo_id, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return Todo{}, fmt.Errorf("failed to link tag %d: %w", tagID, err)
		}
		todo.Tags = append(todo.Tags, tag)
	}

	if err := tx.Commit(); err != nil {
		return Todo{}, fmt.Errorf("failed to commit: %w", err)
	}
	return todo, nil
}

// Delete removes a todo. It returns ErrNotFound when id does not exist.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM todos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTag inserts a tag.
func (s *Store) CreateTag(ctx context.Context, name string) (Tag, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, name)
	if err != nil {
		return Tag{}, fmt.Errorf("failed to insert tag: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Tag{}, err
	}
	return Tag{ID: id, Name: name}, nil
}

// ListTags returns every tag ordered by ID.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := []Tag{}
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
