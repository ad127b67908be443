package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewFromDB(db)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessage_AssignsNextSeqInTransaction(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO sessions").
		WithArgs("s1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM messages`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("UPDATE sessions SET updated_at").
		WithArgs(sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := store.AppendMessage(context.Background(), "s1", core.NewMessage(core.RoleUser, "hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_RollsBackOnInsertFailure(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.AppendMessage(context.Background(), "s1", core.NewMessage(core.RoleUser, "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append message")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type warnings struct {
	mu   sync.Mutex
	msgs []string
}

func (w *warnings) Debug(string, ...any) {}
func (w *warnings) Info(string, ...any) {}
func (w *warnings) Error(string, ...any) {}
func (w *warnings) Warn(msg string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, fmt.Sprint(append([]any{msg}, args...)...))
}

func TestAppendMessage_LogsFailedRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logs := &warnings{}
	store := NewFromDB(db, func(o *Options) { o.Logger = logs })

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO sessions").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback().WillReturnError(errors.New("connection lost"))

	_, err = store.AppendMessage(context.Background(), "s1", core.NewMessage(core.RoleUser, "hi"))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, logs.msgs, 1)
	assert.Contains(t, logs.msgs[0], "sqlite.rollback_failed")
	assert.Contains(t, logs.msgs[0], "connection lost")
}

func TestAppendMessage_BeginFailure(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("locked"))

	_, err := store.AppendMessage(context.Background(), "s1", core.NewMessage(core.RoleUser, "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
}

func TestPersistPermissionDecision_Upserts(t *testing.T) {
	mock, store := setupMockDB(t)
	d := core.PermissionDecision{
		Action:    core.Allow,
		DecidedAt: time.Now(),
		Request:   core.PermissionRequest{Actor: "coder", Kind: core.ActionFileWrite, Target: "a.go", SessionID: "s1"},
	}
	mock.ExpectExec("INSERT OR REPLACE INTO permission_decisions").
		WithArgs("s1", "coder", string(core.ActionFileWrite), "a.go", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.PersistPermissionDecision(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	m1 := core.NewMessage(core.RoleUser, "use PostgreSQL")
	m1.Pinned = true
	m1.Metadata = map[string]string{"k": "v"}
	m2 := core.NewMessage(core.RoleAssistant, "")
	m2.OriginAgent = "coder"
	m2.ToolCalls = []core.ToolCall{{ID: "c1", Name: "read_file", Arguments: `{"path":"a.go"}`}}

	a, err := store.AppendMessage(ctx, "s1", m1)
	require.NoError(t, err)
	b, err := store.AppendMessage(ctx, "s1", m2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)

	_, err = store.AppendMessage(ctx, "other", core.NewMessage(core.RoleUser, "x"))
	require.NoError(t, err)

	history, err := store.ReadHistory(ctx, "s1", core.AllHistory)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Pinned)
	assert.Equal(t, "v", history[0].Meta("k"))
	assert.Equal(t, "coder", history[1].OriginAgent)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "read_file", history[1].ToolCalls[0].Name)

	tail, err := store.ReadHistory(ctx, "s1", core.SeqRange{From: 2})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, b.ID, tail[0].ID)

	head, err := store.ReadHistory(ctx, "s1", core.SeqRange{From: 1, To: 1})
	require.NoError(t, err)
	require.Len(t, head, 1)
	assert.Equal(t, a.ID, head[0].ID)
}

func TestStore_StateDelta(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.ApplyStateDelta(ctx, "s1", map[string]any{"lang": "go", "n": 1}))
	require.NoError(t, store.ApplyStateDelta(ctx, "s1", map[string]any{"n": 2}))

	sess, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "go", sess.State["lang"])
	assert.Equal(t, float64(2), sess.State["n"])
	assert.Empty(t, sess.History)
}

func TestStore_LoadSessionIncludesHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := testutil.Seed(ctx, store, "s1", testutil.NewHistory().
		Agent("coder").
		User("hello").
		ToolCall("c1", "read_file", `{"path":"a.go"}`).
		ToolResult("c1", "package a").Meta(core.MetaFailureKind, "transient").
		Build()...)
	require.NoError(t, err)

	sess, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.History, 3)
	assert.Equal(t, "hello", sess.History[0].Content)
	assert.Equal(t, "c1", sess.History[2].ToolCallID)
	assert.Equal(t, "coder", sess.History[2].OriginAgent)
	assert.Equal(t, "transient", sess.History[2].Meta(core.MetaFailureKind))
	assert.Equal(t, int64(3), sess.LastSeq())
}

func TestStore_ConcurrentAppendsKeepSequenceDense(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, "s1", core.NewMessage(core.RoleUser, fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := store.ReadHistory(ctx, "s1", core.AllHistory)
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, m := range history {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestStore_PermissionDecisionsLatestWins(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	req := core.PermissionRequest{Actor: "coder", Kind: core.ActionFileWrite, Target: "a.go", SessionID: "s1"}
	t0 := time.Now()
	require.NoError(t, store.PersistPermissionDecision(ctx, core.PermissionDecision{Action: core.Deny, Request: req, DecidedAt: t0}))
	require.NoError(t, store.PersistPermissionDecision(ctx, core.PermissionDecision{Action: core.Allow, Request: req, DecidedAt: t0.Add(time.Second)}))

	decisions, err := store.PermissionDecisions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, core.Allow, decisions[0].Action)
	assert.Equal(t, "a.go", decisions[0].Request.Target)
}
