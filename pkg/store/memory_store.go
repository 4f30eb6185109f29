package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-labs/mnemos/pkg/event"
)

// ErrMemoryNotFound is returned when a record id does not exist.
var ErrMemoryNotFound = errors.New("store: memory not found")

// MemoryRecord is one remembered fact, owned by an agent within a project.
type MemoryRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Project    string    `json:"project"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Importance int       `json:"importance"`
	Source     string    `json:"source_protocol"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateMemoryParams is the input for MemoryStore.Create.
type CreateMemoryParams struct {
	AgentID    string
	Project    string
	Title      string
	Content    string
	Tags       []string
	Importance int
	Source     string
}

// UpdateMemoryParams holds the mutable fields for MemoryStore.Update.
// Nil fields are left unchanged.
type UpdateMemoryParams struct {
	Title      *string
	Content    *string
	Tags       []string
	Importance *int
}

// MemoryStore is the flat table of memory records. Every write goes through
// the manager's serialized write path and stages the matching event, so
// subscribers see changes in exactly commit order.
type MemoryStore struct {
	mgr *Manager
}

const memorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	project     TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	tags        JSON NOT NULL DEFAULT '[]',
	importance  INTEGER NOT NULL DEFAULT 0,
	source      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project);
CREATE INDEX IF NOT EXISTS idx_memories_agent   ON memories(agent_id);
`

// NewMemoryStore runs migrations through the write path and returns the store.
func NewMemoryStore(ctx context.Context, mgr *Manager) (*MemoryStore, error) {
	_, err := mgr.Write(ctx, func(conn *sql.Conn) (any, error) {
		_, err := conn.ExecContext(context.Background(), memorySchema)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: migrate memories: %w", err)
	}
	return &MemoryStore{mgr: mgr}, nil
}

// Create inserts a record and stages a memory.created event.
func (s *MemoryStore) Create(ctx context.Context, params CreateMemoryParams) (*MemoryRecord, error) {
	now := time.Now().UTC()
	rec := &MemoryRecord{
		ID:         uuid.NewString(),
		AgentID:    params.AgentID,
		Project:    params.Project,
		Title:      params.Title,
		Content:    params.Content,
		Tags:       params.Tags,
		Importance: params.Importance,
		Source:     params.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		tags, err := json.Marshal(rec.Tags)
		if err != nil {
			return nil, fmt.Errorf("store: encode tags: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO memories (id, agent_id, project, title, content, tags, importance, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.AgentID, rec.Project, rec.Title, rec.Content, string(tags),
			rec.Importance, rec.Source, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert memory: %w", err)
		}
		s.mgr.StageEvent(event.Draft{
			Type:       event.TypeMemoryCreated,
			Source:     rec.Source,
			Project:    rec.Project,
			Importance: rec.Importance,
			Payload:    event.MemoryPayload{MemoryID: rec.ID, AgentID: rec.AgentID, Title: rec.Title, Tags: rec.Tags},
		})
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies the non-nil fields and stages a memory.updated event.
func (s *MemoryStore) Update(ctx context.Context, id string, params UpdateMemoryParams) (*MemoryRecord, error) {
	value, err := s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		rec, err := getMemoryTx(tx, id)
		if err != nil {
			return nil, err
		}
		if params.Title != nil {
			rec.Title = *params.Title
		}
		if params.Content != nil {
			rec.Content = *params.Content
		}
		if params.Tags != nil {
			rec.Tags = params.Tags
		}
		if params.Importance != nil {
			rec.Importance = *params.Importance
		}
		rec.UpdatedAt = time.Now().UTC()

		tags, err := json.Marshal(rec.Tags)
		if err != nil {
			return nil, fmt.Errorf("store: encode tags: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE memories SET title = ?, content = ?, tags = ?, importance = ?, updated_at = ? WHERE id = ?`,
			rec.Title, rec.Content, string(tags), rec.Importance, formatTime(rec.UpdatedAt), rec.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("store: update memory: %w", err)
		}
		s.mgr.StageEvent(event.Draft{
			Type:       event.TypeMemoryUpdated,
			Source:     rec.Source,
			Project:    rec.Project,
			Importance: rec.Importance,
			Payload:    event.MemoryPayload{MemoryID: rec.ID, AgentID: rec.AgentID, Title: rec.Title, Tags: rec.Tags},
		})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*MemoryRecord), nil
}

// Delete removes a record, staging memory.deleted when a row was removed.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	value, err := s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		rec, err := getMemoryTx(tx, id)
		if errors.Is(err, ErrMemoryNotFound) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("store: delete memory: %w", err)
		}
		s.mgr.StageEvent(event.Draft{
			Type:       event.TypeMemoryDeleted,
			Source:     rec.Source,
			Project:    rec.Project,
			Importance: rec.Importance,
			Payload:    event.MemoryPayload{MemoryID: rec.ID, AgentID: rec.AgentID},
		})
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// Get returns a record by id through the read pool.
func (s *MemoryStore) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	var rec *MemoryRecord
	err := s.mgr.Read(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, agent_id, project, title, content, tags, importance, source, created_at, updated_at
			 FROM memories WHERE id = ?`, id)
		var err error
		rec, err = scanMemory(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records, newest first, optionally scoped to a project.
func (s *MemoryStore) List(ctx context.Context, project string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []*MemoryRecord
	err := s.mgr.Read(ctx, func(conn *sql.Conn) error {
		query := `SELECT id, agent_id, project, title, content, tags, importance, source, created_at, updated_at
			 FROM memories`
		args := []any{}
		if project != "" {
			query += ` WHERE project = ?`
			args = append(args, project)
		}
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, limit)

		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, err := scanMemory(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getMemoryTx(tx *sql.Tx, id string) (*MemoryRecord, error) {
	row := tx.QueryRow(
		`SELECT id, agent_id, project, title, content, tags, importance, source, created_at, updated_at
		 FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

func scanMemory(row rowScanner) (*MemoryRecord, error) {
	var rec MemoryRecord
	var tags, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.Project, &rec.Title, &rec.Content,
		&tags, &rec.Importance, &rec.Source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("store: corrupt tags for memory %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
