package transcript

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Emit(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestSession_AppendEmitsSessionUpdated(t *testing.T) {
	store := session.NewInMemoryStore()
	rec := &recorder{}
	tr := NewSession(store, "s1", func(o *Options) {
		o.UnitID = "u1"
		o.Events = rec
	})

	msg := core.NewMessage(core.RoleAssistant, "hello")
	msg.OriginAgent = "coder"
	stored, err := tr.Append(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, core.EventSessionUpdated, ev.Kind)
	assert.Equal(t, "u1", ev.UnitID)
	assert.Equal(t, "coder", ev.Agent)
	assert.Equal(t, int64(1), ev.Message.Seq)

	history, err := tr.Messages(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSession_RefusesAppendAfterContextDone(t *testing.T) {
	store := session.NewInMemoryStore()
	tr := NewSession(store, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Append(ctx, core.NewMessage(core.RoleUser, "late"))
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	history, _ := store.ReadHistory(context.Background(), "s1", core.AllHistory)
	assert.Empty(t, history)
}

func TestSession_Seal(t *testing.T) {
	tr := NewSession(session.NewInMemoryStore(), "s1")
	tr.Seal()
	_, err := tr.Append(context.Background(), core.NewMessage(core.RoleUser, "late"))
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}

func TestSession_SealDoesNotWaitForEventDelivery(t *testing.T) {
	emitting := make(chan struct{})
	release := make(chan struct{})
	tr := NewSession(session.NewInMemoryStore(), "s1", func(o *Options) {
		o.Events = core.EventSinkFunc(func(core.Event) {
			close(emitting)
			<-release
		})
	})

	appended := make(chan error, 1)
	go func() {
		_, err := tr.Append(context.Background(), core.NewMessage(core.RoleUser, "hello"))
		appended <- err
	}()
	<-emitting

	sealed := make(chan struct{})
	go func() {
		tr.Seal()
		close(sealed)
	}()
	select {
	case <-sealed:
	case <-time.After(time.Second):
		t.Fatal("seal blocked behind a pending event")
	}

	close(release)
	require.NoError(t, <-appended)

	_, err := tr.Append(context.Background(), core.NewMessage(core.RoleUser, "late"))
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}

func TestSession_SharedLockSerializesUnits(t *testing.T) {
	store := session.NewInMemoryStore()
	lock := &sync.Mutex{}
	var mu sync.Mutex
	var seqs []int64
	sink := core.EventSinkFunc(func(ev core.Event) {
		mu.Lock()
		seqs = append(seqs, ev.Message.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for u := 0; u < 4; u++ {
		tr := NewSession(store, "s1", func(o *Options) {
			o.UnitID = fmt.Sprintf("u%d", u)
			o.Lock = lock
			o.Events = sink
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := tr.Append(context.Background(), core.NewMessage(core.RoleUser, "m"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 40)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s, "events are emitted in sequence order")
	}
}

func TestSession_State(t *testing.T) {
	store := session.NewInMemoryStore()
	tr := NewSession(store, "s1")

	require.NoError(t, tr.State().Set(context.Background(), "lang", "go"))
	v, ok := tr.State().Get("lang")
	assert.True(t, ok)
	assert.Equal(t, "go", v)

	snap, err := Snapshot(context.Background(), store, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lang": "go"}, snap)

	snap, err = StateSnapshot(context.Background(), NewScratch("s1", tr.State()))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lang": "go"}, snap, "scratch transcripts see the caller state")

	snap, err = StateSnapshot(context.Background(), NewScratch("s1", nil))
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestScratch(t *testing.T) {
	store := session.NewInMemoryStore()
	parent := NewSession(store, "s1")
	scratch := NewScratch("s1", parent.State())

	_, err := scratch.Append(context.Background(), core.NewMessage(core.RoleUser, "task"))
	require.NoError(t, err)
	m, err := scratch.Append(context.Background(), core.NewMessage(core.RoleAssistant, "done"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Seq)

	msgs, _ := scratch.Messages(context.Background())
	assert.Len(t, msgs, 2)

	history, _ := parent.Messages(context.Background())
	assert.Empty(t, history, "scratch never reaches the session")
	assert.NotNil(t, scratch.State())
}

func TestBuffer_FlushInOrder(t *testing.T) {
	store := session.NewInMemoryStore()
	parent := NewSession(store, "s1")
	_, err := parent.Append(context.Background(), core.NewMessage(core.RoleUser, "first"))
	require.NoError(t, err)

	buf := NewBuffer(parent)
	_, err = buf.Append(context.Background(), core.NewMessage(core.RoleTool, "a"))
	require.NoError(t, err)
	_, err = buf.Append(context.Background(), core.NewMessage(core.RoleTool, "b"))
	require.NoError(t, err)

	msgs, _ := buf.Messages(context.Background())
	assert.Len(t, msgs, 1, "buffered messages are invisible until flushed")
	assert.Len(t, buf.Pending(), 2)

	flushed, err := buf.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, flushed, 2)
	assert.Equal(t, "a", flushed[0].Content)
	assert.Equal(t, int64(3), flushed[1].Seq)
	assert.Empty(t, buf.Pending())
}

func TestBuffer_FlushFailureKeepsRemainder(t *testing.T) {
	parent := NewSession(session.NewInMemoryStore(), "s1")
	buf := NewBuffer(parent)
	_, _ = buf.Append(context.Background(), core.NewMessage(core.RoleTool, "a"))

	parent.Seal()
	_, err := buf.Flush(context.Background())
	assert.Error(t, err)
	assert.Len(t, buf.Pending(), 1)
}
