// Package sqlite provides a durable core.Storage backed by SQLite through
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Options configure a Store.
type Options struct {
	// Path is the database file. Defaults to an in-process memory database.
	Path string
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
	Logger      logging.Logger
}

// Store implements core.Storage on SQLite. All access goes through a single
// connection, which serializes writers and keeps sequence assignment atomic.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var _ core.Storage = (*Store)(nil)

// New opens (and migrates) a Store.
func New(ctx context.Context, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		Path:        ":memory:",
		BusyTimeout: 5 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open(DriverName, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := NewFromDB(db, func(o *Options) { o.Logger = opts.Logger })
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an already opened database without migrating it. Only
// the Logger option applies.
func NewFromDB(db *sql.DB, optFns ...func(o *Options)) *Store {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{db: db, logger: logging.OrNoOp(opts.Logger)}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		origin_agent TEXT,
		created_at TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		tool_calls TEXT,
		tool_call_id TEXT,
		metadata TEXT,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS permission_decisions (
		session_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		target TEXT NOT NULL,
		decision TEXT NOT NULL,
		decided_at TEXT NOT NULL,
		PRIMARY KEY (session_id, actor, action_kind, target)
	)`,
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// rollback is deferred after BeginTx; it is a no-op once the transaction
// has been committed.
func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn("sqlite.rollback_failed", "error", err.Error())
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func ensureSession(ctx context.Context, tx *sql.Tx, sessionID, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, state, created_at, updated_at) VALUES (?, '{}', ?, ?)`,
		sessionID, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// AppendMessage implements core.Storage. The sequence number is assigned
// inside the same transaction as the insert, so a failed append leaves no
// trace.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg core.Message) (core.Message, error) {
	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = core.NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	toolCalls, err := marshalNullable(stored.ToolCalls, len(stored.ToolCalls) == 0)
	if err != nil {
		return core.Message{}, err
	}
	metadata, err := marshalNullable(stored.Metadata, len(stored.Metadata) == 0)
	if err != nil {
		return core.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	ts := now()
	if err := ensureSession(ctx, tx, sessionID, ts); err != nil {
		return core.Message{}, err
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&last); err != nil {
		return core.Message{}, fmt.Errorf("failed to read sequence: %w", err)
	}
	stored.Seq = last + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, id, role, content, origin_agent, created_at, pinned, token_estimate, tool_calls, tool_call_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, stored.Seq, stored.ID, string(stored.Role), stored.Content, nullString(stored.OriginAgent),
		stored.CreatedAt.Format(time.RFC3339Nano), boolInt(stored.Pinned), stored.TokenEstimate,
		toolCalls, nullString(stored.ToolCallID), metadata,
	)
	if err != nil {
		return core.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return core.Message{}, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Message{}, fmt.Errorf("failed to commit append: %w", err)
	}
	return stored, nil
}

// ReadHistory implements core.Storage.
func (s *Store) ReadHistory(ctx context.Context, sessionID string, r core.SeqRange) ([]core.Message, error) {
	to := r.To
	if to == 0 {
		to = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, role, content, origin_agent, created_at, pinned, token_estimate, tool_calls, tool_call_id, metadata
		FROM messages
		WHERE session_id = ? AND seq >= ? AND (? < 0 OR seq <= ?)
		ORDER BY seq ASC`,
		sessionID, r.From, to, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	out := []core.Message{}
	for rows.Next() {
		var (
			m                                       core.Message
			role, createdAt                         string
			origin, toolCalls, toolCallID, metadata sql.NullString
			pinned                                  int
		)
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &origin, &createdAt, &pinned, &m.TokenEstimate, &toolCalls, &toolCallID, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = core.Role(role)
		m.OriginAgent = origin.String
		m.ToolCallID = toolCallID.String
		m.Pinned = pinned != 0
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of message %s: %w", m.ID, err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls of message %s: %w", m.ID, err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return out, nil
}

// LoadSession implements core.Storage. State values round-trip through JSON,
// so numbers come back as float64.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*core.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	if err := ensureSession(ctx, tx, sessionID, now()); err != nil {
		return nil, err
	}

	var state, created, updated string
	if err := tx.QueryRowContext(ctx, `SELECT state, created_at, updated_at FROM sessions WHERE id = ?`, sessionID).Scan(&state, &created, &updated); err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session load: %w", err)
	}

	sess := core.NewSession(sessionID)
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	sess.Created, _ = time.Parse(time.RFC3339Nano, created)
	sess.Updated, _ = time.Parse(time.RFC3339Nano, updated)

	history, err := s.ReadHistory(ctx, sessionID, core.AllHistory)
	if err != nil {
		return nil, err
	}
	sess.History = history
	return sess, nil
}

// ApplyStateDelta implements core.Storage.
func (s *Store) ApplyStateDelta(ctx context.Context, sessionID string, delta map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	ts := now()
	if err := ensureSession(ctx, tx, sessionID, ts); err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, sessionID).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	state := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	for k, v := range delta {
		state[k] = v
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`, string(encoded), ts, sessionID); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// PersistPermissionDecision implements core.Storage. The latest decision for
// a key wins.
func (s *Store) PersistPermissionDecision(ctx context.Context, d core.PermissionDecision) error {
	encoded, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	k := d.Request.Key()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO permission_decisions (session_id, actor, action_kind, target, decision, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.Request.SessionID, k.Actor, string(k.Kind), k.Target, string(encoded), d.DecidedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}
	return nil
}

// PermissionDecisions returns the persisted decisions of a session in the
// order they were made.
func (s *Store) PermissionDecisions(ctx context.Context, sessionID string) ([]core.PermissionDecision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT decision FROM permission_decisions WHERE session_id = ? ORDER BY decided_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}
	defer rows.Close()

	var out []core.PermissionDecision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var d core.PermissionDecision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
