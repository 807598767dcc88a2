package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/internal/jobmanager"
	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/notify"
	"github.com/ChuLiYu/genflow/internal/storage/wal"
	"github.com/ChuLiYu/genflow/internal/tracker"
	"github.com/ChuLiYu/genflow/internal/videostore"
	"github.com/ChuLiYu/genflow/internal/worker"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var errNoJobID = errors.New("job has no server id yet")

// apiProber 依任務類型選擇查詢端點：特效任務查列表，其餘按 ID 查詢
type apiProber struct {
	api API
}

func (p apiProber) Probe(ctx context.Context, task worker.Task) ([]apiclient.StatusReport, error) {
	ctx, span := tracer.Start(ctx, "genflow.probe")
	defer span.End()
	span.SetAttributes(
		attribute.String("genflow.record_id", task.Key),
		attribute.String("genflow.job_id", string(task.JobID)),
		attribute.Int64("genflow.epoch", int64(task.Epoch)),
	)

	reports, err := p.probe(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return reports, nil
}

func (p apiProber) probe(ctx context.Context, task worker.Task) ([]apiclient.StatusReport, error) {
	if task.Kind == types.KindImageEffect {
		return p.api.ListGenerations(ctx)
	}
	if task.JobID == "" {
		return nil, errNoJobID
	}
	r, err := p.api.StatusByID(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	return []apiclient.StatusReport{r}, nil
}

// ============================================================================
// 計時器觸發
// ============================================================================

// fire 在計時器 goroutine 上執行：不阻塞，不取 o.mu
func (o *Orchestrator) fire(t tracker.Tick) {
	job, ok := o.jobs.Get(t.Key)
	if !ok || job.Status.IsTerminal() {
		return
	}
	if !o.claimProbe(t.Key) {
		o.logger.Debug().Str(genlog.FieldRecordID, t.Key).Msg("previous probe outstanding; skipping tick")
		return
	}
	task := worker.Task{
		Key:     t.Key,
		JobID:   job.ID,
		Kind:    job.Kind,
		Epoch:   t.Epoch,
		Retry:   t.Retry,
		Timeout: o.cfg.ProbeTimeout,
	}
	if err := o.pool.TrySubmit(task); err != nil {
		o.releaseProbe(t.Key)
		o.logger.Debug().Err(err).Str(genlog.FieldRecordID, t.Key).Msg("probe not dispatched")
		return
	}
	o.metrics.RecordProbe()
}

func (o *Orchestrator) claimProbe(key string) bool {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	if o.outstanding[key] {
		return false
	}
	o.outstanding[key] = true
	return true
}

func (o *Orchestrator) releaseProbe(key string) {
	o.pmu.Lock()
	delete(o.outstanding, key)
	o.pmu.Unlock()
}

// ============================================================================
// 結果處理（唯一寫入者）
// ============================================================================

// handleResult 套用一次探測結果
func (o *Orchestrator) handleResult(res worker.Result) {
	key := res.Task.Key
	o.releaseProbe(key)

	o.mu.Lock()
	defer o.mu.Unlock()

	logger := o.logger.With().
		Str(genlog.FieldRecordID, key).
		Uint64(genlog.FieldEpoch, res.Task.Epoch).
		Logger()

	// 計時器已被取消或重啟，結果過期
	if cur, _ := o.tracker.Epoch(key); cur != res.Task.Epoch {
		logger.Debug().Uint64("current_epoch", cur).Msg("dropping stale probe result")
		return
	}
	job, ok := o.jobs.Get(key)
	if !ok || job.Status.IsTerminal() {
		return
	}

	if res.Err != nil {
		o.pollFailedLocked(res, logger)
		return
	}

	report, found := o.selectReport(job, res.Reports)
	if !found {
		logger.Debug().Str(genlog.FieldJobID, string(job.ID)).Msg("no matching generation yet")
		return
	}
	if report.JobID != job.ID {
		if err := o.adoptLocked(job, report.JobID); err != nil {
			logger.Warn().Err(err).Str(genlog.FieldJobID, string(report.JobID)).Msg("failed to adopt generation")
			return
		}
	}

	tr, err := o.jobs.Apply(key, report.Status, report.ResultURL, report.Message)
	if errors.Is(err, jobmanager.ErrMissingResultURL) {
		logger.Warn().Str(genlog.FieldJobID, string(report.JobID)).Msg("completed without result url; polling continues")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("status not applied")
		return
	}
	if !tr.Changed() {
		return
	}

	o.persistLocked(wal.StatusEvent(tr.Job))
	logger.Debug().
		Str(genlog.FieldJobID, string(tr.Job.ID)).
		Str(genlog.FieldOldState, string(tr.From)).
		Str(genlog.FieldNewState, string(tr.To)).
		Msg("status changed")

	if tr.Terminal() {
		o.finishLocked(tr.Job)
	}
}

func (o *Orchestrator) pollFailedLocked(res worker.Result, logger zerolog.Logger) {
	key := res.Task.Key
	failures, _ := o.jobs.RecordPollFailure(key)
	o.metrics.RecordPollError(pollErrorReason(res.Err))

	ev := logger.Debug()
	if failures > 0 && failures%10 == 0 {
		ev = logger.Warn()
	}
	ev.Err(res.Err).Int(genlog.FieldAttempt, failures).Msg("probe failed; retrying on next tick")

	if res.Task.OneShot {
		o.tracker.RetryAfter(key, o.cfg.RetryDelay)
	}
}

// selectReport 從探測結果中找出屬於 job 的那一筆
//
// 有 ID 時按 ID 比對；尚無 ID 的特效任務取列表中最後一筆
// 未完成且未被其他任務認領的項目。
func (o *Orchestrator) selectReport(job types.Job, reports []apiclient.StatusReport) (apiclient.StatusReport, bool) {
	if job.ID != "" {
		for _, r := range reports {
			if r.JobID == job.ID {
				return r, true
			}
		}
		return apiclient.StatusReport{}, false
	}
	if job.Kind != types.KindImageEffect {
		return apiclient.StatusReport{}, false
	}
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		if r.JobID == "" || r.Status.IsTerminal() {
			continue
		}
		if o.jobs.IsClaimed(r.JobID, job.RecordID) {
			continue
		}
		return r, true
	}
	return apiclient.StatusReport{}, false
}

// adoptLocked 任務認領伺服器 ID，紀錄改指向新 ID。
// 先更新紀錄索引；失敗時任務表與 WAL 都維持原狀，下一次輪詢再試。
func (o *Orchestrator) adoptLocked(job types.Job, id types.JobID) error {
	if o.jobs.IsClaimed(id, job.RecordID) {
		return fmt.Errorf("%w: %s", jobmanager.ErrIDClaimed, id)
	}
	if err := o.store.ReassignJobID(context.Background(), job.RecordID, id); err != nil &&
		!errors.Is(err, videostore.ErrNotFound) {
		return err
	}
	if err := o.jobs.AssignID(job.RecordID, id); err != nil {
		// 不會發生：已在同一把鎖下確認 ID 未被認領
		if rerr := o.store.ReassignJobID(context.Background(), job.RecordID, job.ID); rerr != nil &&
			!errors.Is(rerr, videostore.ErrNotFound) {
			o.logger.Error().Err(rerr).Str(genlog.FieldRecordID, job.RecordID).Msg("failed to restore record job id")
		}
		return err
	}
	o.persistLocked(wal.AssignEvent(job.RecordID, id))
	o.logger.Info().
		Str(genlog.FieldRecordID, job.RecordID).
		Str(genlog.FieldJobID, string(id)).
		Msg("generation adopted")
	return nil
}

// finishLocked 終態處理：停止輪詢、更新紀錄、發送通知。
// 名額與去重項已在 Apply 內釋放；每個任務只會走到這裡一次。
func (o *Orchestrator) finishLocked(job types.Job) {
	o.tracker.Stop(job.RecordID)

	rec, _, err := o.store.UpdateStatus(context.Background(), videostore.StatusUpdate{
		RecordID:     job.RecordID,
		JobID:        job.ID,
		Status:       types.RecordStatusFor(job.Status),
		ResultURL:    job.ResultURL,
		ErrorMessage: job.Message,
	})
	if err != nil || rec.ID == "" {
		if err != nil {
			o.logger.Error().Err(err).Str(genlog.FieldRecordID, job.RecordID).Msg("failed to update record")
		}
		rec = types.Record{
			ID:           job.RecordID,
			JobID:        job.ID,
			Kind:         job.Kind,
			Status:       types.RecordStatusFor(job.Status),
			ResultURL:    job.ResultURL,
			VideoURL:     job.ResultURL,
			ErrorMessage: job.Message,
		}
	}

	latency := time.Since(time.UnixMilli(job.CreatedAt))
	kind := notify.KindVideoReady
	if job.Status == types.StatusCompleted {
		o.metrics.RecordCompleted(latency)
	} else {
		kind = notify.KindFailed
		o.metrics.RecordFailed(latency)
	}
	o.refreshGauges()

	o.logger.Debug().
		Str(genlog.FieldEvent, string(kind)).
		Str(genlog.FieldRecordID, job.RecordID).
		Str(genlog.FieldJobID, string(job.ID)).
		Str(genlog.FieldStatus, string(job.Status)).
		Dur(genlog.FieldDuration, latency).
		Msg("terminal status recorded")
	o.notifier.Notify(notify.Notification{Kind: kind, Record: rec})
}

func pollErrorReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, apiclient.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, apiclient.ErrServerRejected):
		return "server_rejected"
	case errors.Is(err, apiclient.ErrTransport):
		return "transport"
	case errors.Is(err, errNoJobID):
		return "no_job_id"
	default:
		return "other"
	}
}
