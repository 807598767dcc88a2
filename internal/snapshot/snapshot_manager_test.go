package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genflow/pkg/types"
)

func job(rec string, id types.JobID, status types.JobStatus) *types.Job {
	return &types.Job{
		RecordID:    rec,
		ID:          id,
		Kind:        types.KindTextToVideo,
		Fingerprint: types.Fingerprint("fp-" + rec),
		Status:      status,
		CreatedAt:   1_700_000_000_000,
		UpdatedAt:   1_700_000_000_500,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state", "jobs.json")
	manager := NewManager(snapshotPath)

	original := types.SnapshotData{
		Jobs: map[string]*types.Job{
			"rec-1": job("rec-1", "", types.StatusSubmitting),
			"rec-2": job("rec-2", "1002", types.StatusProcessing),
		},
		LastSeq: 100,
	}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	require.Len(t, loaded.Jobs, 2)
	assert.Equal(t, *original.Jobs["rec-2"], *loaded.Jobs["rec-2"])
	assert.Equal(t, types.JobID(""), loaded.Jobs["rec-1"].ID)
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "jobs.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{LastSeq: 50}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.SnapshotData{LastSeq: 100}))
	}()
	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	// 不留下臨時檔
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Zero(t, loaded.LastSeq)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	raw, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, raw, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"jobs": {"rec-1": {"record_id": "rec-1"`), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadBackfillsRecordID(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	raw := `{"schema_ver":1,"last_seq":3,"jobs":{"rec-9":{"kind":"text_to_video","status":"queued","created_at":1},"rec-x":null}}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(raw), 0o644))

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, "rec-9", loaded.Jobs["rec-9"].RecordID)
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "jobs.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// ============================================================================
// 並發安全測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			rec := fmt.Sprintf("rec-%d", index)
			data := types.SnapshotData{
				Jobs:    map[string]*types.Job{rec: job(rec, "", types.StatusQueued)},
				LastSeq: uint64(index),
			}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Jobs, 1)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "jobs.json"))
	data := types.SnapshotData{Jobs: make(map[string]*types.Job)}
	for i := 0; i < 100; i++ {
		rec := fmt.Sprintf("rec-%d", i)
		data.Jobs[rec] = job(rec, types.JobID(fmt.Sprintf("%d", 1000+i)), types.StatusProcessing)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
