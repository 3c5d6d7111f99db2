package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskswarm/internal/domain"
	"taskswarm/internal/taskgraph"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_graphs (
	list_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	next_id INTEGER NOT NULL,
	task_count INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	list_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	producer TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	checksum TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_list ON artifacts(list_id, task_id);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	list_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_list ON decision_log(list_id, created_at);
`

// Store keeps each task graph as one JSON document guarded by a version
// column, next to the artifacts and decision log of its runs.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, listID string) (domain.Snapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM task_graphs WHERE list_id = ?`, listID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("load task graph: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("%w: decode task graph %s: %v", taskgraph.ErrCorruptSnapshot, listID, err)
	}
	return snap, true, nil
}

// Save writes snap only when it directly follows the stored version.
func (s *Store) Save(ctx context.Context, snap domain.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode task graph: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save task graph: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT version FROM task_graphs WHERE list_id = ?`, snap.ListID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read task graph version: %w", err)
	}
	if err := taskgraph.CheckVersion(snap.ListID, stored, exists, snap.Version); err != nil {
		return err
	}

	if !exists {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO task_graphs(list_id, version, next_id, task_count, payload, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)`,
			snap.ListID, snap.Version, snap.NextID, len(snap.Tasks), string(payload), updatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert task graph: %w", err)
		}
	} else {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE task_graphs
			SET version = ?, next_id = ?, task_count = ?, payload = ?, updated_at = ?
			WHERE list_id = ? AND version = ?`,
			snap.Version, snap.NextID, len(snap.Tasks), string(payload), updatedAt.Unix(),
			snap.ListID, stored,
		)
		if err != nil {
			return fmt.Errorf("update task graph: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task graph rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: list %s changed during save", taskgraph.ErrStaleSnapshot, snap.ListID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task graph: %w", err)
	}
	return nil
}

func (s *Store) ListGraphs(ctx context.Context) ([]domain.GraphSummary, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT list_id, version, task_count, updated_at FROM task_graphs ORDER BY updated_at DESC, list_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list task graphs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.GraphSummary, 0)
	for rows.Next() {
		var item domain.GraphSummary
		var updatedAt int64
		if err := rows.Scan(&item.ListID, &item.Version, &item.TaskCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task graph: %w", err)
		}
		item.UpdatedAt = unixToTime(updatedAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task graphs: %w", err)
	}
	return result, nil
}

func (s *Store) SaveResult(ctx context.Context, rec domain.ArtifactRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("save artifact: empty id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts(id, list_id, task_id, producer, kind, payload, checksum, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ListID, rec.TaskID, rec.Producer, rec.Kind, payload, rec.Checksum, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// LoadResults returns the artifacts of listID oldest first, so a later
// artifact for the same task supersedes an earlier one.
func (s *Store) LoadResults(ctx context.Context, listID string) ([]domain.ArtifactRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, list_id, task_id, producer, kind, payload, checksum, created_at
		FROM artifacts
		WHERE list_id = ?
		ORDER BY created_at, rowid`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ArtifactRecord, 0)
	for rows.Next() {
		var item domain.ArtifactRecord
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ListID, &item.TaskID, &item.Producer, &item.Kind, &payload, &item.Checksum, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(list_id, task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ListID, entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the newest entries of listID first. An empty taskID
// matches every task.
func (s *Store) ListDecisions(ctx context.Context, listID, taskID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, list_id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE list_id = ? AND (? = '' OR task_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		listID, taskID, taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ListID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
