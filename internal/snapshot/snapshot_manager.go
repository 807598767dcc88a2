package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務追蹤表序列化為 JSON 快照檔
// 2. 使用 renameio 原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現重啟後恢復追蹤
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// 使用 pkg/types.SnapshotData：
//   - Jobs: map[RecordID]*Job  // 追蹤中的任務
//   - SchemaVer: int           // 版本號（目前為 1）
//   - LastSeq: uint64          // 已納入快照的 WAL 最後序號

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// renameio 負責：臨時檔案、fsync、原子 rename、失敗時清理。
// 讀者只會看到舊快照或新快照，不會看到半成品。
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Jobs == nil {
		data.Jobs = make(map[string]*types.Job)
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	pending, err := renameio.NewPendingFile(m.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("failed to create pending snapshot: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(jsonBytes); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// 首次啟動，無快照，回傳空狀態
			return types.SnapshotData{
				Jobs:      make(map[string]*types.Job),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[string]*types.Job)
	}
	// 舊版快照可能沒有 record_id，用 map key 補齊
	for key, job := range data.Jobs {
		if job == nil {
			delete(data.Jobs, key)
			continue
		}
		if job.RecordID == "" {
			job.RecordID = key
		}
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
