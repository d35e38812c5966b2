// ABOUTME: Tests for the SQLite exchange log
// ABOUTME: Covers recording, ordering, filtering, limits, and reopening an existing file

package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Exchange{
		ID:        "req-1",
		Channel:   "#analyze-this",
		Nick:      "alice",
		Query:     "what is 2+2",
		Reply:     "4",
		ToolCalls: 1,
		Started:   started,
		Duration:  1500 * time.Millisecond,
	}))

	got, err := s.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Exchange{
		ID:        "req-1",
		Channel:   "#analyze-this",
		Nick:      "alice",
		Query:     "what is 2+2",
		Reply:     "4",
		ToolCalls: 1,
		Started:   started,
		Duration:  1500 * time.Millisecond,
	}, got[0])
	assert.False(t, got[0].Failed())
}

func TestRecord_RequiresID(t *testing.T) {
	s := setupTestStore(t)
	assert.Error(t, s.Record(context.Background(), Exchange{Nick: "alice"}))
}

func TestRecord_DefaultsStarted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Record(ctx, Exchange{ID: "req-1", Nick: "alice", Query: "hi"}))

	got, err := s.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Started.After(before))
}

func TestRecent_NewestFirstAcrossSubsecondTimes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	// .1s and .12s format differently in RFC 3339 but must still order correctly.
	for i, offset := range []time.Duration{100 * time.Millisecond, 120 * time.Millisecond, 0} {
		require.NoError(t, s.Record(ctx, Exchange{
			ID:      fmt.Sprintf("req-%d", i),
			Nick:    "alice",
			Query:   "q",
			Started: base.Add(offset),
		}))
	}

	got, err := s.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"req-1", "req-0", "req-2"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestRecent_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	entries := []Exchange{
		{ID: "a1", Nick: "alice", Query: "q", Reply: "ok"},
		{ID: "b1", Nick: "bob", Query: "q", Error: "model unavailable"},
		{ID: "a2", Nick: "alice", Query: "q", Error: "timeout"},
	}
	for i, e := range entries {
		e.Started = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Record(ctx, e))
	}

	alice, err := s.Recent(ctx, Filter{Nick: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "a2", alice[0].ID)

	failed, err := s.Recent(ctx, Filter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.True(t, failed[0].Failed())
	assert.True(t, failed[1].Failed())

	one, err := s.Recent(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, normalizeLimit(0))
	assert.Equal(t, DefaultLimit, normalizeLimit(-5))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, MaxLimit, normalizeLimit(MaxLimit+1))
}

func TestReopenKeepsExchanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Exchange{ID: "req-1", Nick: "alice", Query: "q"}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.Recent(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestClosedStore(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Record(context.Background(), Exchange{ID: "x"}), ErrClosed)
	_, err := s.Recent(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDuringRecording(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Record(ctx, Exchange{ID: fmt.Sprintf("req-%d", i), Nick: "alice", Query: "q"})
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()

	assert.ErrorIs(t, s.Record(ctx, Exchange{ID: "after"}), ErrClosed)
}
