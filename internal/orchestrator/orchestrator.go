// ============================================================================
// genflow 協調器 - 生成任務的核心協調者
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 協調所有模組，負責提交、輪詢、刪除與重啟後恢復追蹤
//
// 架構設計:
//   - JobManager: 任務狀態機，並發閘門與去重索引在同一把鎖下變更
//   - Tracker: 每個任務一個輪詢計時器（帶世代號）
//   - WorkerPool: 固定數量的探測執行者
//   - WAL + Snapshot: 任務追蹤狀態的持久化
//   - VideoStore: 使用者可見的歷史紀錄
//
// 核心循環 (2 個 Goroutine + 每任務計時器):
//   1. Result Loop - 唯一的寫入者，套用探測結果
//   2. Snapshot Loop - 定期快照並旋轉 WAL
//   計時器觸發時只做非阻塞的 TrySubmit，不取協調器的鎖
//
// 崩潰恢復流程:
//   1. snapshot.Load() - 載入最新快照
//   2. wal.Replay(LastSeq) - 疊加快照之後的事件
//   3. jobManager.Restore() - 重新佔用名額與去重項
//   4. tracker.Start() - 為每個未完成任務恢復輪詢
//
// 鎖順序:
//   o.mu → jobManager.mu → gate/dedup
//   o.mu → tracker.mu（計時器 goroutine 永遠不取 o.mu）
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/internal/dedup"
	"github.com/ChuLiYu/genflow/internal/gate"
	"github.com/ChuLiYu/genflow/internal/jobmanager"
	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/mediacache"
	"github.com/ChuLiYu/genflow/internal/metrics"
	"github.com/ChuLiYu/genflow/internal/notify"
	"github.com/ChuLiYu/genflow/internal/snapshot"
	"github.com/ChuLiYu/genflow/internal/storage/wal"
	"github.com/ChuLiYu/genflow/internal/tracker"
	"github.com/ChuLiYu/genflow/internal/videostore"
	"github.com/ChuLiYu/genflow/internal/worker"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var tracer = otel.Tracer("genflow/orchestrator")

var (
	// ErrNotStarted 表示尚未呼叫 Start
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrStopped 表示已經關閉
	ErrStopped = errors.New("orchestrator stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// API 是協調器需要的遠端操作，*apiclient.Client 滿足此介面
type API interface {
	Submit(ctx context.Context, req types.Request) (apiclient.Receipt, error)
	StatusByID(ctx context.Context, id types.JobID) (apiclient.StatusReport, error)
	ListGenerations(ctx context.Context) ([]apiclient.StatusReport, error)
	Effects(ctx context.Context) ([]types.Effect, error)
}

// Config 協調器配置
type Config struct {
	MaxConcurrent    int           // 並發上限（預設 2）
	PollInterval     time.Duration // 輪詢間隔（預設 5s）
	Workers          int           // 探測 Worker 數量
	ProbeTimeout     time.Duration // 單次探測超時
	RetryDelay       time.Duration // 單次檢查失敗後的重試延遲
	SnapshotInterval time.Duration // 快照間隔
	JournalPath      string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SyncJournal      bool          // 每次寫入 WAL 後 fsync
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = tracker.DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = c.PollInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	return c
}

// Deps 外部依賴；API 與 Store 為必要，其餘可為 nil
type Deps struct {
	API      API
	Store    *videostore.Store
	Files    *mediacache.FileCache
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Logger   *zerolog.Logger
}

// Stats 協調器狀態摘要
type Stats struct {
	Submitting int
	Queued     int
	Processing int
	Completed  int
	Failed     int
	InFlight   int    // 佔用的名額
	Cap        int    // 並發上限
	Polling    int    // 執行中的計時器
	LastSeq    uint64 // 最新 WAL 序號
}

// Orchestrator 核心協調器
type Orchestrator struct {
	mu        sync.Mutex // 保護任務表、WAL 與紀錄的一致變更
	cfg       Config
	jobs      *jobmanager.JobManager
	gate      *gate.Gate
	dedup     *dedup.Index
	tracker   *tracker.Registry
	pool      *worker.Pool
	journal   *wal.WAL
	snapshots *snapshot.Manager
	api       API
	store     *videostore.Store
	files     *mediacache.FileCache
	notifier  notify.Notifier
	metrics   *metrics.Collector
	logger    zerolog.Logger

	pmu         sync.Mutex
	outstanding map[string]bool // 尚未回報的探測（RecordID）

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	submits sync.WaitGroup // 已准入、尚未 ACK 的提交
	started bool
	running bool // 恢復成功；之後才允許寫快照
	stopped bool
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// New 建立協調器並開啟 WAL；不啟動任何 goroutine
//
// 參數：
//   - cfg: 協調器配置，JournalPath 與 SnapshotPath 必填
//   - deps: 外部依賴
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.API == nil {
		return nil, errors.New("orchestrator: api is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: video store is required")
	}
	if cfg.JournalPath == "" || cfg.SnapshotPath == "" {
		return nil, errors.New("orchestrator: journal and snapshot paths are required")
	}
	cfg = cfg.withDefaults()

	logger := genlog.WithComponent("orchestrator")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}

	journal, err := wal.NewWAL(cfg.JournalPath, cfg.SyncJournal)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	if n := journal.Truncated(); n > 0 {
		logger.Warn().Int64("bytes", n).Str(genlog.FieldPath, cfg.JournalPath).Msg("truncated damaged journal tail")
	}

	g := gate.New(cfg.MaxConcurrent)
	d := dedup.New()
	o := &Orchestrator{
		cfg:         cfg,
		jobs:        jobmanager.NewJobManager(g, d),
		gate:        g,
		dedup:       d,
		journal:     journal,
		snapshots:   snapshot.NewManager(cfg.SnapshotPath),
		api:         deps.API,
		store:       deps.Store,
		files:       deps.Files,
		notifier:    notifier,
		metrics:     deps.Metrics,
		logger:      logger,
		outstanding: make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
	o.pool = worker.NewPool(apiProber{api: deps.API}, cfg.MaxConcurrent*4, logger.With().Str(genlog.FieldComponent, "worker").Logger())
	o.tracker = tracker.New(cfg.PollInterval, o.fire, logger.With().Str(genlog.FieldComponent, "tracker").Logger())
	return o, nil
}

// Start 恢復追蹤狀態並啟動循環
//
// 流程：
//  1. 恢復階段：snapshot -> WAL replay -> Restore
//  2. 啟動 Worker Pool 與循環
//  3. 為所有未完成任務啟動輪詢計時器
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	start := time.Now()
	o.logger.Info().Msg("Starting recovery...")
	resumed, err := o.recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	if err := o.pool.Start(o.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	o.loopWg.Add(2)
	go o.resultLoop()
	go o.snapshotLoop()

	o.mu.Lock()
	o.running = true
	for _, job := range resumed {
		o.tracker.Start(job.RecordID)
	}
	o.mu.Unlock()
	o.refreshGauges()

	recovery := time.Since(start)
	o.metrics.SetRecoveryTime(recovery)
	o.logger.Info().
		Dur(genlog.FieldDuration, recovery).
		Int("resumed", len(resumed)).
		Int("workers", o.cfg.Workers).
		Msg("Orchestrator started")
	return nil
}

// Stop 優雅關閉
//
// 關閉順序：
//  1. tracker.Close() → 不再產生新的探測
//  2. close(stopCh)   → 快照循環退出
//  3. pool.Stop()     → 取消進行中的探測，結果循環隨之退出
//  4. loopWg.Wait()
//  5. 等待進行中的提交寫完 ACK
//  6. 最後一次快照，關閉 WAL
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	running := o.running
	o.mu.Unlock()

	o.logger.Info().Msg("Stopping orchestrator...")
	o.tracker.Close()
	close(o.stopCh)
	o.pool.Stop()
	o.loopWg.Wait()
	o.submits.Wait()

	// 恢復失敗時不能用不完整的任務表覆蓋快照
	if running {
		if err := o.takeSnapshot(); err != nil {
			o.logger.Error().Err(err).Msg("Failed to take final snapshot")
		}
	}
	if err := o.journal.Close(); err != nil {
		o.logger.Error().Err(err).Msg("Failed to close WAL")
	}
	o.logger.Info().Msg("Orchestrator stopped")
}

func (o *Orchestrator) checkRunning() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkRunningLocked()
}

func (o *Orchestrator) checkRunningLocked() error {
	if o.stopped {
		return ErrStopped
	}
	if !o.running {
		return ErrNotStarted
	}
	return nil
}

// ============================================================================
// 循環
// ============================================================================

// resultLoop 處理探測結果，直到 Pool 停止
func (o *Orchestrator) resultLoop() {
	defer o.loopWg.Done()
	for {
		select {
		case res := <-o.pool.Results():
			o.handleResult(res)
		case <-o.pool.Done():
			o.logger.Debug().Msg("Result loop stopped")
			return
		}
	}
}

// snapshotLoop 定期生成快照
func (o *Orchestrator) snapshotLoop() {
	defer o.loopWg.Done()
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			o.logger.Debug().Msg("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := o.takeSnapshot(); err != nil {
				o.logger.Error().Err(err).Msg("Failed to take snapshot")
			}
		}
	}
}

// takeSnapshot 寫快照並旋轉 WAL。整個過程持有鎖，
// 避免快照與旋轉之間寫入的事件被丟棄。
func (o *Orchestrator) takeSnapshot() error {
	start := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	// 終態任務的結果已寫入紀錄，不必再追蹤
	pruned := o.jobs.PruneTerminal(start)
	if err := o.snapshotLocked(); err != nil {
		return err
	}
	if err := o.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	o.logger.Debug().
		Dur(genlog.FieldDuration, time.Since(start)).
		Int("pruned", pruned).
		Uint64("seq", o.journal.GetLastSeq()).
		Msg("Snapshot taken")
	return nil
}

// snapshotLocked 寫出目前的任務表，不旋轉 WAL
func (o *Orchestrator) snapshotLocked() error {
	data := o.jobs.Snapshot()
	data.LastSeq = o.journal.GetLastSeq()
	if err := o.snapshots.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Stats 取得系統狀態
func (o *Orchestrator) Stats() Stats {
	s := o.jobs.Stats()
	return Stats{
		Submitting: s[string(types.StatusSubmitting)],
		Queued:     s[string(types.StatusQueued)],
		Processing: s[string(types.StatusProcessing)],
		Completed:  s[string(types.StatusCompleted)],
		Failed:     s[string(types.StatusFailed)],
		InFlight:   o.gate.InFlight(),
		Cap:        o.gate.Cap(),
		Polling:    o.tracker.Len(),
		LastSeq:    o.journal.GetLastSeq(),
	}
}

// Job 以 RecordID 取得任務
func (o *Orchestrator) Job(recordID string) (types.Job, bool) {
	return o.jobs.Get(recordID)
}

// Tracked 返回所有未完成任務
func (o *Orchestrator) Tracked() []types.Job {
	return o.jobs.Tracked()
}

// Polling 回報 recordID 是否有執行中的輪詢計時器
func (o *Orchestrator) Polling(recordID string) bool {
	return o.tracker.Active(recordID)
}

func (o *Orchestrator) refreshGauges() {
	o.metrics.UpdateJobStats(o.gate.InFlight(), o.tracker.Len())
}
