// Package session persists conversations keyed by (project, session). The
// repository is a thin SQL layer; pruning and recovery policy live in
// pkg/conduit.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/dbpool"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    project_name VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    conversation_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (project_name, session_id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(project_name, updated_at);
`

// Repository stores serialized conversations for one project.
type Repository struct {
	db      *sql.DB
	dialect string
	project string
}

// NewRepository wraps an existing connection and ensures the schema exists.
func NewRepository(db *sql.DB, dialect, project string) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if project == "" {
		return nil, fmt.Errorf("project name is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	r := &Repository{db: db, dialect: dialect, project: project}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversations schema: %w", err)
	}
	return r, nil
}

// Open resolves the pool for cfg through the shared manager.
func Open(cfg *config.DatabaseConfig, project string) (*Repository, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repository configuration: %w", err)
	}
	db, err := dbpool.Get(cfg)
	if err != nil {
		return nil, err
	}
	return NewRepository(db, cfg.DriverName(), project)
}

func (r *Repository) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createConversationsTableSQL
	if r.dialect == "mysql" {
		// MySQL rejects CREATE INDEX IF NOT EXISTS; the primary key covers
		// lookups, so the extra index is best effort.
		schema = strings.SplitN(createConversationsTableSQL, "CREATE INDEX", 2)[0]
	}
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// SaveSession upserts the conversation under name. An empty name falls back
// to the conversation's session, then its ID.
func (r *Repository) SaveSession(ctx context.Context, conv *protocol.Conversation, name string) error {
	if name == "" {
		name = conv.Session
	}
	if name == "" {
		name = conv.ID
	}
	conv.Session = name

	data, err := conv.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize conversation: %w", err)
	}

	now := time.Now().UTC()
	query := `
INSERT INTO conversations (project_name, session_id, conversation_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(project_name, session_id) DO UPDATE SET
    conversation_json = excluded.conversation_json,
    updated_at = excluded.updated_at`
	if r.dialect == "mysql" {
		query = `
INSERT INTO conversations (project_name, session_id, conversation_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    conversation_json = VALUES(conversation_json),
    updated_at = VALUES(updated_at)`
	}

	if _, err := r.db.ExecContext(ctx, r.rebind(query), r.project, name, string(data), now, now); err != nil {
		return fmt.Errorf("failed to save session %q: %w", name, err)
	}
	return nil
}

// Load returns the named conversation, or nil when it does not exist. A
// positive maxHistory prunes old turns on the way out.
func (r *Repository) Load(ctx context.Context, name string, maxHistory int) (*protocol.Conversation, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(
		"SELECT conversation_json FROM conversations WHERE project_name = ? AND session_id = ?"),
		r.project, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", name, err)
	}
	return r.decode(data, maxHistory)
}

// Last returns the most recently updated conversation for the project, or
// nil when the project has none.
func (r *Repository) Last(ctx context.Context, maxHistory int) (*protocol.Conversation, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(`
SELECT conversation_json FROM conversations
WHERE project_name = ?
ORDER BY updated_at DESC
LIMIT 1`), r.project).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last session: %w", err)
	}
	return r.decode(data, maxHistory)
}

// List returns the project's session names, most recent first.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
SELECT session_id FROM conversations
WHERE project_name = ?
ORDER BY updated_at DESC`), r.project)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes one session. Deleting a missing session is not an error.
func (r *Repository) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(
		"DELETE FROM conversations WHERE project_name = ? AND session_id = ?"),
		r.project, name)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", name, err)
	}
	return nil
}

// Ping verifies the backing pool is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) decode(data string, maxHistory int) (*protocol.Conversation, error) {
	conv, err := protocol.DeserializeConversation([]byte(data))
	if err != nil {
		return nil, err
	}
	conv.Truncate(maxHistory)
	return conv, nil
}

func (r *Repository) rebind(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
