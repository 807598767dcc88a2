// ============================================================================
// genflow 任務管理器 - 生成任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理生成任務的完整生命週期、並發上限與去重
//
// 任務狀態轉換 (State Machine):
//   Submitting (提交中)
//      ↓ Acknowledge()
//   Queued (排隊) ⇄ Processing (處理中)
//      ↓ Apply()
//   Completed (已完成) / Failed (失敗)
//
// 狀態轉換規則:
//   - Submitting → Queued: 伺服器確認提交
//   - Queued ⇄ Processing: 輪詢回報，兩者皆佔用並發名額
//   - * → Completed: 僅在結果 URL 存在時
//   - * → Failed: 僅在伺服器明確回報失敗時
//   - Completed / Failed 為終態，之後的回報一律忽略
//
// 數據結構:
//   jobs map[recordID]*Job - 主存儲。以本地 RecordID 為鍵，
//   因為伺服器 ID 可能尚未分配，或在輪詢中被重新指派。
//   byID map[JobID]recordID - 伺服器 ID 反查索引
//
// 並發安全:
//   並發閘門 (gate)、去重索引 (dedup) 與任務表只在 jm.mu 之下一起變更，
//   因此「准入」與「終態釋放」對其他 goroutine 而言是原子的。
//   鎖順序固定為 jm.mu → gate/dedup 內部鎖。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/genflow/internal/dedup"
	"github.com/ChuLiYu/genflow/internal/gate"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 (RecordID) 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
	// 回報完成但沒有結果 URL
	ErrMissingResultURL = errors.New("completed status without result url")
	// 伺服器 ID 已被其他任務佔用
	ErrIDClaimed = errors.New("job id already tracked by another job")
	// 恢復時超出並發上限
	ErrOverCapacity = errors.New("restored jobs exceed concurrency cap")
)

// SchemaVersion 快照格式版本
const SchemaVersion = 1

// Transition 描述一次狀態套用的結果
type Transition struct {
	Job  types.Job       // 套用後的任務副本
	From types.JobStatus // 套用前狀態
	To   types.JobStatus // 套用後狀態
}

// Changed 狀態是否真的改變
func (t Transition) Changed() bool { return t.From != t.To }

// Terminal 這次套用是否使任務進入終態（每個任務只會發生一次）
func (t Transition) Terminal() bool { return t.Changed() && t.To.IsTerminal() }

// JobManager 任務管理器
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[string]*types.Job      // RecordID → 任務
	byID  map[types.JobID]string     // 伺服器 ID → RecordID
	gate  *gate.Gate                 // 並發閘門
	dedup *dedup.Index               // 去重索引
	now   func() time.Time
}

// NewJobManager 建立任務管理器
//
// 參數說明：
//   - g: 並發閘門，上限由呼叫端設定
//   - d: 去重索引
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(g *gate.Gate, d *dedup.Index) *JobManager {
	return &JobManager{
		jobs:  make(map[string]*types.Job),
		byID:  make(map[types.JobID]string),
		gate:  g,
		dedup: d,
		now:   time.Now,
	}
}

// ============================================================================
// 准入與提交
// ============================================================================

// Admit 在同一把鎖下檢查去重與並發上限，通過後建立 Submitting 任務
//
// 參數說明：
//   - job: 至少需要 RecordID、Kind、Fingerprint；CreatedAt 為零時取當前時間
//
// 返回值：
//   - types.Job: 建立的任務副本
//   - error: dedup.ErrDuplicateInProgress / gate.ErrMaxGenerationsReached /
//     ErrDuplicateJob；任何拒絕都不會留下副作用
//
// 先檢查去重再檢查上限：同一請求重送時回報「已在進行中」比「已達上限」更準確。
func (jm *JobManager) Admit(job types.Job) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job.RecordID == "" {
		return types.Job{}, fmt.Errorf("%w: empty record id", ErrInvalidTransition)
	}
	if _, exists := jm.jobs[job.RecordID]; exists {
		return types.Job{}, ErrDuplicateJob
	}

	if !jm.dedup.TryBegin(job.Fingerprint, job.RecordID) {
		return types.Job{}, dedup.ErrDuplicateInProgress
	}
	if !jm.gate.TryReserve(job.RecordID) {
		jm.dedup.EndOwned(job.Fingerprint, job.RecordID)
		return types.Job{}, gate.ErrMaxGenerationsReached
	}

	now := jm.now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.Status = types.StatusSubmitting
	job.UpdatedAt = now
	job.ResultURL = ""
	job.PollFailures = 0

	stored := job
	jm.jobs[job.RecordID] = &stored
	if job.ID != "" {
		jm.byID[job.ID] = job.RecordID
	}
	return stored, nil
}

// Acknowledge 伺服器已接受提交：Submitting → Queued，並綁定伺服器 ID（可為空）
func (jm *JobManager) Acknowledge(recordID string, id types.JobID) (Transition, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[recordID]
	if !ok {
		return Transition{}, ErrJobNotFound
	}
	if job.Status != types.StatusSubmitting {
		return Transition{}, fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, job.Status)
	}
	if err := jm.bindLocked(job, id); err != nil {
		return Transition{}, err
	}

	from := job.Status
	job.Status = types.StatusQueued
	job.UpdatedAt = jm.now().UnixMilli()
	return Transition{Job: *job, From: from, To: job.Status}, nil
}

// Abort 撤銷尚未被伺服器接受的提交，歸還名額與去重項
func (jm *JobManager) Abort(recordID string) (types.Job, bool) {
	return jm.Remove(recordID)
}

// AssignID 綁定或改綁伺服器 ID（例如列表輪詢時認領到的 ID）
func (jm *JobManager) AssignID(recordID string, id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[recordID]
	if !ok {
		return ErrJobNotFound
	}
	return jm.bindLocked(job, id)
}

func (jm *JobManager) bindLocked(job *types.Job, id types.JobID) error {
	if id == "" || id == job.ID {
		return nil
	}
	if owner, taken := jm.byID[id]; taken && owner != job.RecordID {
		return fmt.Errorf("%w: %s", ErrIDClaimed, id)
	}
	if job.ID != "" {
		delete(jm.byID, job.ID)
	}
	job.ID = id
	jm.byID[id] = job.RecordID
	job.UpdatedAt = jm.now().UnixMilli()
	return nil
}

// ============================================================================
// 狀態套用
// ============================================================================

// Apply 套用一次正規化後的輪詢結果
//
// 參數說明：
//   - recordID: 任務鍵
//   - status: 正規化狀態（不可為 Submitting）
//   - resultURL: 完成時的結果 URL
//   - message: 伺服器訊息，失敗時保留
//
// 返回值：
//   - Transition: Terminal() 為 true 時，名額與去重項已在鎖內釋放
//   - error: ErrJobNotFound / ErrMissingResultURL / ErrInvalidTransition
//
// 終態任務收到的回報一律視為無變化（From == To），不是錯誤。
func (jm *JobManager) Apply(recordID string, status types.JobStatus, resultURL, message string) (Transition, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[recordID]
	if !ok {
		return Transition{}, ErrJobNotFound
	}

	from := job.Status
	if from.IsTerminal() {
		return Transition{Job: *job, From: from, To: from}, nil
	}

	switch status {
	case types.StatusQueued, types.StatusProcessing, types.StatusFailed:
	case types.StatusCompleted:
		if resultURL == "" {
			return Transition{Job: *job, From: from, To: from}, ErrMissingResultURL
		}
	default:
		return Transition{Job: *job, From: from, To: from}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	job.Status = status
	job.PollFailures = 0
	job.UpdatedAt = jm.now().UnixMilli()
	if status == types.StatusCompleted {
		job.ResultURL = resultURL
	}
	if message != "" {
		job.Message = message
	}
	if status.IsTerminal() {
		jm.releaseLocked(job)
	}
	return Transition{Job: *job, From: from, To: status}, nil
}

// RecordPollFailure 累計連續輪詢失敗次數，不改變狀態
func (jm *JobManager) RecordPollFailure(recordID string) (int, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[recordID]
	if !ok {
		return 0, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job.PollFailures, nil
	}
	job.PollFailures++
	return job.PollFailures, nil
}

// Remove 刪除任務（使用者刪除紀錄或提交失敗），並歸還名額與去重項。
// 之後到達的輪詢結果會得到 ErrJobNotFound。
func (jm *JobManager) Remove(recordID string) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[recordID]
	if !ok {
		return types.Job{}, false
	}
	jm.releaseLocked(job)
	delete(jm.jobs, recordID)
	if job.ID != "" && jm.byID[job.ID] == recordID {
		delete(jm.byID, job.ID)
	}
	return *job, true
}

func (jm *JobManager) releaseLocked(job *types.Job) {
	jm.gate.Release(job.RecordID)
	jm.dedup.EndOwned(job.Fingerprint, job.RecordID)
}

// PruneTerminal 移除在 before 之前進入終態的任務，返回移除數量
func (jm *JobManager) PruneTerminal(before time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := before.UnixMilli()
	n := 0
	for rid, job := range jm.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt < cutoff {
			delete(jm.jobs, rid)
			if job.ID != "" && jm.byID[job.ID] == rid {
				delete(jm.byID, job.ID)
			}
			n++
		}
	}
	return n
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 以 RecordID 取得任務副本
func (jm *JobManager) Get(recordID string) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[recordID]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// GetByID 以伺服器 ID 取得任務副本
func (jm *JobManager) GetByID(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	rid, ok := jm.byID[id]
	if !ok {
		return types.Job{}, false
	}
	return *jm.jobs[rid], true
}

// IsClaimed 伺服器 ID 是否已被 recordID 以外的任務佔用
func (jm *JobManager) IsClaimed(id types.JobID, recordID string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	owner, ok := jm.byID[id]
	return ok && owner != recordID
}

// Tracked 返回所有非終態任務，依建立時間排序
func (jm *JobManager) Tracked() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if !job.Status.IsTerminal() {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Stats 各狀態任務數量，以及閘門佔用數
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusSubmitting): 0,
		string(types.StatusQueued):     0,
		string(types.StatusProcessing): 0,
		string(types.StatusCompleted):  0,
		string(types.StatusFailed):     0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	stats["in_flight"] = jm.gate.InFlight()
	stats["deduped"] = jm.dedup.Len()
	return stats
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 生成任務表的深拷貝
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[string]*types.Job, len(jm.jobs))
	for rid, job := range jm.jobs {
		c := *job
		jobsCopy[rid] = &c
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: SchemaVersion,
	}
}

// Restore 以快照覆蓋當前狀態，並為非終態任務重新佔用名額與去重項
//
// 返回值：
//   - error: 快照版本不符；或非終態任務超出並發上限（ErrOverCapacity，
//     此時任務仍會被追蹤，只是沒有名額）
func (jm *JobManager) Restore(data types.SnapshotData) error {
	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return fmt.Errorf("unsupported snapshot schema %d", data.SchemaVer)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		jm.releaseLocked(job)
	}
	jm.jobs = make(map[string]*types.Job, len(data.Jobs))
	jm.byID = make(map[types.JobID]string, len(data.Jobs))

	over := 0
	for rid, job := range data.Jobs {
		if job == nil {
			continue
		}
		c := *job
		c.RecordID = rid
		jm.jobs[rid] = &c
		if c.ID != "" {
			jm.byID[c.ID] = rid
		}
		if c.Status.IsTerminal() {
			continue
		}
		jm.dedup.TryBegin(c.Fingerprint, rid)
		if !jm.gate.TryReserve(rid) {
			over++
		}
	}
	if over > 0 {
		return fmt.Errorf("%w: %d job(s) without a slot", ErrOverCapacity, over)
	}
	return nil
}
