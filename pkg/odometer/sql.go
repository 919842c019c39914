package odometer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/conduit-llm/conduit/pkg/logger"
)

const defaultBatchSize = 50

// GroupBy selects the aggregation axis for reports.
type GroupBy string

const (
	GroupByProvider GroupBy = "provider"
	GroupByModel    GroupBy = "model"
	GroupByHost     GroupBy = "host"
	GroupByDate     GroupBy = "date"
)

// AggregateRow is one line of a grouped usage report.
type AggregateRow struct {
	Key          string `json:"key"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Events       int    `json:"events"`
}

// OverallStats summarizes the whole event log.
type OverallStats struct {
	TotalEvents  int   `json:"total_events"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	Providers    int   `json:"providers"`
	Models       int   `json:"models"`
	FirstEventS  int64 `json:"first_event_s"`
	LastEventS   int64 `json:"last_event_s"`
}

// SQLOdometer batches events into a token_events table. Postgres is the
// primary target; sqlite and mysql are supported for local setups and tests.
type SQLOdometer struct {
	db      *sql.DB
	dialect string

	mu      sync.Mutex
	pending []TokenEvent
	batch   int
}

// NewSQLOdometer ensures the schema exists and returns a writer bound to db.
func NewSQLOdometer(db *sql.DB, dialect string) (*SQLOdometer, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	o := &SQLOdometer{db: db, dialect: dialect, batch: defaultBatchSize}
	if err := o.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize token_events schema: %w", err)
	}
	return o, nil
}

func (o *SQLOdometer) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	switch o.dialect {
	case "postgres":
		idColumn = "id SERIAL PRIMARY KEY"
	case "mysql":
		idColumn = "id BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS token_events (
    %s,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    timestamp_s BIGINT NOT NULL,
    host TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, idColumn)

	if _, err := o.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := o.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_token_events_timestamp ON token_events(timestamp_s)")
	return err
}

// Record queues an event; the batch is written once it reaches the batch
// size. Call Flush to drain the remainder.
func (o *SQLOdometer) Record(e TokenEvent) {
	o.mu.Lock()
	o.pending = append(o.pending, e)
	full := len(o.pending) >= o.batch
	o.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.Flush(ctx); err != nil {
			logger.GetLogger().Warn("token event batch write failed", "error", err)
		}
	}
}

// Flush writes all pending events in one transaction. Flushing an empty
// batch is a no-op, so repeated flushes are harmless.
func (o *SQLOdometer) Flush(ctx context.Context) error {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		o.requeue(pending)
		return fmt.Errorf("failed to begin token event write: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, o.rebind(`
INSERT INTO token_events (provider, model, input_tokens, output_tokens, timestamp_s, host)
VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		o.requeue(pending)
		return fmt.Errorf("failed to prepare token event write: %w", err)
	}
	defer stmt.Close()

	for _, e := range pending {
		if _, err := stmt.ExecContext(ctx, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.TimestampS, e.Host); err != nil {
			tx.Rollback()
			o.requeue(pending)
			return fmt.Errorf("failed to write token event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		o.requeue(pending)
		return fmt.Errorf("failed to commit token events: %w", err)
	}
	return nil
}

func (o *SQLOdometer) requeue(events []TokenEvent) {
	o.mu.Lock()
	o.pending = append(events, o.pending...)
	o.mu.Unlock()
}

// GetOverallStats summarizes the durable log in a single query.
func (o *SQLOdometer) GetOverallStats(ctx context.Context) (*OverallStats, error) {
	row := o.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COUNT(DISTINCT provider),
       COUNT(DISTINCT model),
       COALESCE(MIN(timestamp_s), 0),
       COALESCE(MAX(timestamp_s), 0)
FROM token_events`)

	var stats OverallStats
	if err := row.Scan(&stats.TotalEvents, &stats.InputTokens, &stats.OutputTokens,
		&stats.Providers, &stats.Models, &stats.FirstEventS, &stats.LastEventS); err != nil {
		return nil, fmt.Errorf("failed to read overall stats: %w", err)
	}
	return &stats, nil
}

// GetAggregates reports usage grouped by one axis, optionally bounded by
// [start, end] dates ("YYYY-MM-DD", inclusive). One SQL query per call.
func (o *SQLOdometer) GetAggregates(ctx context.Context, groupBy GroupBy, start, end string) ([]AggregateRow, error) {
	var keyExpr string
	switch groupBy {
	case GroupByProvider:
		keyExpr = "provider"
	case GroupByModel:
		keyExpr = "model"
	case GroupByHost:
		keyExpr = "COALESCE(host, '')"
	case GroupByDate:
		keyExpr = o.dateExpr()
	default:
		return nil, fmt.Errorf("unsupported group_by: %s", groupBy)
	}

	query := fmt.Sprintf(`
SELECT %s AS grp,
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COUNT(*)
FROM token_events`, keyExpr)

	var args []interface{}
	var where []string
	if start != "" {
		startTime, err := time.Parse("2006-01-02", start)
		if err != nil {
			return nil, fmt.Errorf("invalid start date %q: %w", start, err)
		}
		where = append(where, "timestamp_s >= ?")
		args = append(args, startTime.Unix())
	}
	if end != "" {
		endTime, err := time.Parse("2006-01-02", end)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q: %w", end, err)
		}
		where = append(where, "timestamp_s < ?")
		args = append(args, endTime.AddDate(0, 0, 1).Unix())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY grp ORDER BY SUM(input_tokens) + SUM(output_tokens) DESC"

	rows, err := o.db.QueryContext(ctx, o.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregates: %w", err)
	}
	defer rows.Close()

	var result []AggregateRow
	for rows.Next() {
		var r AggregateRow
		if err := rows.Scan(&r.Key, &r.InputTokens, &r.OutputTokens, &r.Events); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (o *SQLOdometer) dateExpr() string {
	switch o.dialect {
	case "postgres":
		return "to_char(to_timestamp(timestamp_s), 'YYYY-MM-DD')"
	case "mysql":
		return "DATE_FORMAT(FROM_UNIXTIME(timestamp_s), '%Y-%m-%d')"
	default:
		return "date(timestamp_s, 'unixepoch')"
	}
}

// rebind converts ? placeholders to $n for postgres.
func (o *SQLOdometer) rebind(query string) string {
	if o.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
