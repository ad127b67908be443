package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentcoord/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_AppendAssignsMonotonicSeq(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, "s1", core.NewMessage(core.RoleUser, fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.ReadHistory(ctx, "s1", core.AllHistory)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}

	window, err := s.ReadHistory(ctx, "s1", core.SeqRange{From: 10, To: 12})
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	stored, err := s.AppendMessage(ctx, "s1", core.NewMessage(core.RoleUser, "hello").WithMeta("k", "v"))
	require.NoError(t, err)
	stored.Metadata["k"] = "changed"

	msgs, _ := s.ReadHistory(ctx, "s1", core.AllHistory)
	assert.Equal(t, "v", msgs[0].Meta("k"))

	sess, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	sess.Append(core.NewMessage(core.RoleUser, "not persisted"))
	msgs, _ = s.ReadHistory(ctx, "s1", core.AllHistory)
	assert.Len(t, msgs, 1)
}

func TestInMemoryStore_StateAndDecisions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ApplyStateDelta(ctx, "s1", map[string]any{"plan": "v1"}))
	sess, _ := s.LoadSession(ctx, "s1")
	v, ok := sess.GetState("plan")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	req := core.PermissionRequest{Actor: "a", Kind: core.ActionFileWrite, Target: "x", SessionID: "s1"}
	require.NoError(t, s.PersistPermissionDecision(ctx, core.PermissionDecision{Action: core.Allow, Request: req}))
	require.NoError(t, s.PersistPermissionDecision(ctx, core.PermissionDecision{Action: core.Deny, Request: req}))

	ds, err := s.PermissionDecisions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, core.Deny, ds[0].Action)

	s.Delete("s1")
	assert.Empty(t, s.SessionIDs())
}

func TestInMemoryStore_CancelledContext(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendMessage(ctx, "s1", core.NewMessage(core.RoleUser, "late"))
	assert.ErrorIs(t, err, context.Canceled)
}
