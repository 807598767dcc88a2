package videostore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genflow/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	clock := t0
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func generating(id string, job types.JobID, created time.Time) types.Record {
	return types.Record{
		ID:         id,
		JobID:      job,
		Kind:       types.KindTextToVideo,
		PromptText: "a cat surfing",
		Status:     types.RecordGenerating,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec := generating("rec-1", "1001", t0)
	added, err := s.Add(ctx, rec)
	require.NoError(t, err)
	assert.True(t, added)

	got, ok, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	byJob, ok, err := s.FindByJobID(ctx, "1001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rec-1", byJob.ID)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddDuplicateJobIDIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	added, err := s.Add(ctx, generating("rec-2", "1001", t0))
	require.NoError(t, err)
	assert.False(t, added)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// empty job ids never collide
	_, err = s.Add(ctx, generating("rec-3", "", t0))
	require.NoError(t, err)
	added, err = s.Add(ctx, generating("rec-4", "", t0))
	require.NoError(t, err)
	assert.True(t, added)

	_, err = s.Add(ctx, types.Record{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestAddDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, types.Record{ID: "rec-1"})
	require.NoError(t, err)
	got, _, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, types.RecordGenerating, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpdateStatusCompletesOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	rec, changed, err := s.UpdateStatus(ctx, StatusUpdate{
		RecordID:  "rec-1",
		JobID:     "1001",
		Status:    types.RecordCompleted,
		ResultURL: "https://cdn.example/1001.mp4",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.RecordCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example/1001.mp4", rec.ResultURL)
	assert.Equal(t, rec.ResultURL, rec.VideoURL)
	assert.True(t, rec.UpdatedAt.After(t0))

	// terminal records are not re-mutated
	again, changed, err := s.UpdateStatus(ctx, StatusUpdate{
		RecordID: "rec-1",
		Status:   types.RecordFailed,
	})
	require.NoError(t, err)
	assert.False(t, changed)
	if diff := cmp.Diff(rec, again); diff != "" {
		t.Errorf("terminal record changed (-want +got):\n%s", diff)
	}
}

func TestUpdateStatusFallsBackToJobID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	rec, changed, err := s.UpdateStatus(ctx, StatusUpdate{
		RecordID:     "stale-id",
		JobID:        "1001",
		Status:       types.RecordFailed,
		ErrorMessage: "content policy",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, types.RecordFailed, rec.Status)
	assert.Equal(t, "content policy", rec.ErrorMessage)
}

func TestUpdateStatusNeverCreates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, changed, err := s.UpdateStatus(ctx, StatusUpdate{
		RecordID: "rec-1",
		JobID:    "1001",
		Status:   types.RecordCompleted,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateStatusGeneratingIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	_, changed, err := s.UpdateStatus(ctx, StatusUpdate{RecordID: "rec-1", Status: types.RecordGenerating})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateStatusBackfillsJobID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "", t0))
	require.NoError(t, err)

	rec, changed, err := s.UpdateStatus(ctx, StatusUpdate{
		RecordID:  "rec-1",
		JobID:     "1007",
		Status:    types.RecordCompleted,
		ResultURL: "https://cdn.example/1007.mp4",
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.JobID("1007"), rec.JobID)

	byJob, ok, err := s.FindByJobID(ctx, "1007")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rec-1", byJob.ID)
}

func TestReassignJobID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "", t0))
	require.NoError(t, err)
	_, err = s.Add(ctx, generating("rec-2", "2002", t0))
	require.NoError(t, err)

	require.NoError(t, s.ReassignJobID(ctx, "rec-1", "1001"))
	got, ok, err := s.FindByJobID(ctx, "1001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rec-1", got.ID)

	require.NoError(t, s.ReassignJobID(ctx, "rec-1", "1005"))
	_, ok, err = s.FindByJobID(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, ok, "old index entry dropped")

	assert.ErrorIs(t, s.ReassignJobID(ctx, "rec-1", "2002"), ErrJobIDTaken)
	assert.ErrorIs(t, s.ReassignJobID(ctx, "missing", "3003"), ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "rec-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, ok, err := s.FindByJobID(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, ok)

	// a late completion after delete finds nothing to update
	_, changed, err := s.UpdateStatus(ctx, StatusUpdate{RecordID: "rec-1", JobID: "1001", Status: types.RecordCompleted})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 5; i++ {
		rec := generating(fmt.Sprintf("rec-%d", i), types.JobID(fmt.Sprintf("%d", 1000+i)), t0.Add(time.Duration(i)*time.Minute))
		_, err := s.Add(ctx, rec)
		require.NoError(t, err)
	}
	_, _, err := s.UpdateStatus(ctx, StatusUpdate{RecordID: "rec-1", Status: types.RecordCompleted, ResultURL: "u1"})
	require.NoError(t, err)
	_, _, err = s.UpdateStatus(ctx, StatusUpdate{RecordID: "rec-3", Status: types.RecordFailed})
	require.NoError(t, err)
	_, err = s.SetFavorite(ctx, "rec-1", true)
	require.NoError(t, err)
	_, err = s.SetFavorite(ctx, "rec-4", true)
	require.NoError(t, err)

	ids := func(recs []types.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-4", "rec-3", "rec-2", "rec-1", "rec-0"}, ids(all))

	favs, err := s.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-4", "rec-1"}, ids(favs))

	gen, err := s.ListByStatus(ctx, types.RecordGenerating)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-4", "rec-2", "rec-0"}, ids(gen))

	failed, err := s.ListByStatus(ctx, types.RecordFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-3"}, ids(failed))
}

func TestSetFavorite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	rec, err := s.SetFavorite(ctx, "rec-1", true)
	require.NoError(t, err)
	assert.True(t, rec.IsFavorite)

	rec, err = s.SetFavorite(ctx, "rec-1", false)
	require.NoError(t, err)
	assert.False(t, rec.IsFavorite)

	_, err = s.SetFavorite(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, generating(fmt.Sprintf("rec-%d", i), types.JobID(fmt.Sprintf("%d", i)), t0))
		require.NoError(t, err)
	}

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, ok, err := s.FindByJobID(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(generating("rec-1", "1001", t0), got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("reopened record mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentUpdatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, generating("rec-1", "1001", t0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.UpdateStatus(ctx, StatusUpdate{RecordID: "rec-1", Status: types.RecordCompleted, ResultURL: "u"})
			if err != nil {
				// conflicting transactions may abort; the winner is what counts
				return
			}
			if changed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}
