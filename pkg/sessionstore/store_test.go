package sessionstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/loreweaver/pkg/memory"
	"github.com/dotsetgreg/loreweaver/pkg/narrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"))
}

func openTestStore(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "sessions.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState(turn int) narrator.SessionState {
	mem := memory.New("Fondcombe")
	for i := 0; i < turn; i++ {
		mem.AdvanceTurn()
	}
	mem.Observe("Le hobbit porte un anneau.", mem.TurnCounter)
	snap := mem.Snapshot()
	return narrator.SessionState{
		Context:         "Une quête",
		History:         []string{"Joueur: a", "MJ: b"},
		CurrentLocation: "Fondcombe",
		Memory:          &snap,
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	_, found, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "p1", sampleState(2)))
	got, found, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Une quête", got.Context)
	assert.Equal(t, []string{"Joueur: a", "MJ: b"}, got.History)
	assert.Equal(t, "Fondcombe", got.CurrentLocation)
	require.NotNil(t, got.Memory)
	assert.Equal(t, 2, got.Memory.CurrentTurn)
	assert.Contains(t, got.Memory.Entities, "hobbit")

	updated := sampleState(3)
	updated.CurrentLocation = "Moria"
	require.NoError(t, s.Save(ctx, "p1", updated))
	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Turn)
	assert.Equal(t, "Moria", records[0].Location)
}

func TestStore_PruneInactive(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, s.Save(ctx, "idle", sampleState(1)))
	s.now = func() time.Time { return base.Add(-10 * time.Minute) }
	require.NoError(t, s.Save(ctx, "active", sampleState(1)))
	s.now = func() time.Time { return base }

	n, err := s.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := s.PruneInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, found, err := s.Load(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Load(ctx, "active")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_ZeroTTLNeverPrunes(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	s.now = func() time.Time { return time.Unix(0, 0) }
	require.NoError(t, s.Save(ctx, "p1", sampleState(1)))
	s.now = time.Now

	deleted, err := s.PruneInactive(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "p1", sampleState(1)))
	require.NoError(t, s.Delete(ctx, "p1"))
	_, found, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_RestoresIntoOrchestratorSession(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "p1", sampleState(4)))

	state, found, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, found)

	o := narrator.New(narrator.DefaultOptions(), nil, nil, nil, nil)
	sess, err := o.RestoreSession("p1", state)
	require.NoError(t, err)
	back, err := sess.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, back.Memory.CurrentTurn)
	assert.Equal(t, state.History, back.History)
}

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (p *countingPruner) PruneInactive(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestJanitor_RejectsInvalidSchedule(t *testing.T) {
	_, err := NewJanitor("every minute", &countingPruner{})
	assert.Error(t, err)
}

func TestJanitor_NextRun(t *testing.T) {
	j, err := NewJanitor("*/5 * * * *", &countingPruner{})
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)
	next, err := j.NextRun(from)
	require.NoError(t, err)
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	assert.True(t, next.Equal(want), "next run %s, want %s", next, want)
}

func TestJanitor_RunOnce(t *testing.T) {
	p := &countingPruner{}
	j, err := NewJanitor("* * * * *", p)
	require.NoError(t, err)

	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	p.err = errors.New("disk full")
	_, err = j.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	j, err := NewJanitor("* * * * *", &countingPruner{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
