// ============================================================================
// genflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集和暴露生成流程與媒體快取的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - genflow_submissions_total{kind}: 送出的生成請求
//      - genflow_rejections_total{reason}: 被拒絕的送出（上限、重複、驗證、傳輸…）
//      - genflow_generations_completed_total / _failed_total: 終態結果
//      - genflow_probes_total: 分派出去的狀態查詢
//      - genflow_poll_errors_total{reason}: 查詢失敗（不會觸發狀態轉移）
//      - genflow_cache_{hits,misses,evictions}_total{tier}: 快取統計
//      - genflow_journal_errors_total{event}: 寫入失敗的 WAL 事件
//
//   2. 分佈 (Histogram)：
//      - genflow_generation_latency_seconds: 從送出到終態的時間
//
//   3. 瞬時值 (Gauge)：
//      - genflow_generations_in_flight: 佔用名額的任務數
//      - genflow_jobs_tracked: 追蹤中的任務數
//      - genflow_recovery_time_seconds: 最近一次恢復時間
//
// 所有方法對 nil *Collector 皆為 no-op，方便不需要監控的呼叫端。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genflow"

// Collector Prometheus 指標收集器
type Collector struct {
	submissions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	completed   prometheus.Counter
	failed      prometheus.Counter
	probes      prometheus.Counter
	pollErrors  *prometheus.CounterVec
	journalErrs *prometheus.CounterVec

	latency      prometheus.Histogram
	recoveryTime prometheus.Gauge
	inFlight     prometheus.Gauge
	tracked      prometheus.Gauge

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
}

// NewCollector 建立並註冊指標。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Generation requests accepted for submission, by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Submissions refused before or by the server, by reason.",
		}, []string{"reason"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_completed_total",
			Help:      "Generations that reached Completed.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_failed_total",
			Help:      "Generations the server reported as failed.",
		}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Status probes dispatched to the worker pool.",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Status probes that failed without a status, by reason.",
		}, []string{"reason"}),
		journalErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Journal events that could not be appended, by event type.",
		}, []string{"event"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Time from submission to a terminal status.",
			Buckets:   []float64{5, 10, 20, 30, 60, 90, 120, 180, 300, 600, 1200},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Duration of the last snapshot + journal recovery.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_in_flight",
			Help:      "Jobs currently holding a concurrency slot.",
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_tracked",
			Help:      "Jobs with an active poll timer.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Media cache hits, by tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Media cache misses, by tier.",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Media cache entries evicted, by tier.",
		}, []string{"tier"}),
	}

	for _, col := range []prometheus.Collector{
		c.submissions, c.rejections, c.completed, c.failed, c.probes, c.pollErrors, c.journalErrs,
		c.latency, c.recoveryTime, c.inFlight, c.tracked,
		c.cacheHits, c.cacheMisses, c.cacheEvictions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSubmission 記錄一次送出
func (c *Collector) RecordSubmission(kind string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(kind).Inc()
}

// RecordRejection 記錄一次拒絕
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// RecordCompleted 記錄完成與其延遲
func (c *Collector) RecordCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.completed.Inc()
	c.latency.Observe(latency.Seconds())
}

// RecordFailed 記錄失敗
func (c *Collector) RecordFailed(latency time.Duration) {
	if c == nil {
		return
	}
	c.failed.Inc()
	c.latency.Observe(latency.Seconds())
}

// RecordProbe 記錄分派的查詢
func (c *Collector) RecordProbe() {
	if c == nil {
		return
	}
	c.probes.Inc()
}

// RecordPollError 記錄查詢失敗
func (c *Collector) RecordPollError(reason string) {
	if c == nil {
		return
	}
	c.pollErrors.WithLabelValues(reason).Inc()
}

// RecordJournalError 記錄寫入失敗的 WAL 事件
func (c *Collector) RecordJournalError(event string) {
	if c == nil {
		return
	}
	c.journalErrs.WithLabelValues(event).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateJobStats 更新任務狀態統計
func (c *Collector) UpdateJobStats(inFlight, tracked int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(inFlight))
	c.tracked.Set(float64(tracked))
}

// CacheHit implements mediacache.Observer.
func (c *Collector) CacheHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// CacheMiss implements mediacache.Observer.
func (c *Collector) CacheMiss(tier string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// CacheEvicted implements mediacache.Observer.
func (c *Collector) CacheEvicted(tier string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(tier).Add(float64(n))
}

// NewHandler 回傳 g 的 /metrics handler
func NewHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
