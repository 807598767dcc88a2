// ============================================================================
// genflow Worker Pool - 固定大小的探測執行池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 goroutine 執行所有任務的狀態探測
//
// 架構組件:
//   ┌─────────────┐
//   │  Tracker    │ --TrySubmit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh   ──→ resultCh ──→ Orchestrator result loop
//   │  │Worker 2│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool 與 channels
//   2. Start(n) - 啟動 n 個 Worker
//   3. Submit / TrySubmit - 提交探測
//   4. Results() / ReceiveResult() - 讀取結果
//   5. Stop() - 取消 context，等待所有 Worker 退出
//
// 關閉:
//   taskCh 與 resultCh 都不會被關閉；停止訊號只透過 context 傳遞，
//   因此 Submit 與 Stop 之間不存在「向已關閉 channel 發送」的競爭。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTaskTimeout = 30 * time.Second

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy 表示任務通道已滿（僅 TrySubmit）
	ErrPoolBusy = errors.New("worker pool is busy")
)

// Pool 代表 Worker 池
type Pool struct {
	prober   Prober
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	logger   zerolog.Logger
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - prober: 實際執行探測的實作
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(prober Prober, bufferSize int, logger zerolog.Logger) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		prober:   prober,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.prober, p.taskCh, p.resultCh, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	return nil
}

func (p *Pool) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	return nil
}

// Submit 提交任務，通道滿時阻塞直到有空位、ctx 取消或 Pool 關閉
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := p.check(); err != nil {
		return err
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 非阻塞提交；通道已滿時返回 ErrPoolBusy
func (p *Pool) TrySubmit(task Task) error {
	if err := p.check(); err != nil {
		return err
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
		return ErrPoolBusy
	}
}

// Results 返回結果通道（唯讀）
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Done 在 Pool 停止後關閉
func (p *Pool) Done() <-chan struct{} {
	return p.ctx.Done()
}

// ReceiveResult 阻塞讀取一個結果；Pool 關閉後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.ctx.Done():
		return Result{}, ErrPoolClosed
	}
}

// Stop 取消所有進行中的探測並等待 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 返回等待執行的探測數量
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
