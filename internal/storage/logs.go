package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shindan/internal/model"
)

// InsertLogEntries batch-ingests log rows via COPY. The log corpus is
// append-only; there is no update path.
func (db *DB) InsertLogEntries(ctx context.Context, entries []model.LogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.Time, e.Level, e.Service, e.Message}
	}
	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"log_entries"},
		[]string{"ts", "level", "service", "message"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy log entries: %w", err)
	}
	return n, nil
}

// LogQuery filters the log corpus. Zero-value fields are not applied.
type LogQuery struct {
	Contains string
	Service  string
	Level    string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// QueryLogs returns matching log rows, newest first.
func (db *DB) QueryLogs(ctx context.Context, q LogQuery) ([]model.LogEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	sql := `SELECT ts, level, service, message FROM log_entries WHERE true`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Contains != "" {
		sql += ` AND message ILIKE '%' || ` + arg(q.Contains) + ` || '%'`
	}
	if q.Service != "" {
		sql += ` AND service = ` + arg(q.Service)
	}
	if q.Level != "" {
		sql += ` AND level = ` + arg(q.Level)
	}
	if !q.Since.IsZero() {
		sql += ` AND ts >= ` + arg(q.Since)
	}
	if !q.Until.IsZero() {
		sql += ` AND ts < ` + arg(q.Until)
	}
	sql += ` ORDER BY ts DESC LIMIT ` + arg(q.Limit)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query logs: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Time, &e.Level, &e.Service, &e.Message); err != nil {
			return nil, fmt.Errorf("storage: scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
