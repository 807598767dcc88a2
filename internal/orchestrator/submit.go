package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/internal/dedup"
	"github.com/ChuLiYu/genflow/internal/gate"
	"github.com/ChuLiYu/genflow/internal/jobmanager"
	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/storage/wal"
	"github.com/ChuLiYu/genflow/internal/videostore"
	"github.com/ChuLiYu/genflow/internal/worker"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// ============================================================================
// 提交
// ============================================================================

// Submit 驗證並提交一個生成請求
//
// 流程：
//  1. 本地驗證（失敗時不發任何請求）
//  2. 在同一把鎖下檢查去重與並發上限，寫 ADMIT，建立 Generating 紀錄
//  3. 呼叫遠端 API（不持有鎖）
//  4. 成功：ACK 並開始輪詢；失敗：撤銷准入與紀錄
//
// 返回值：
//   - types.Record: 新建立的紀錄
//   - error: ErrInvalidPayload / ErrDuplicateInProgress / ErrMaxGenerationsReached /
//     apiclient 錯誤（ErrTransport, ErrServerRejected, ErrMalformedResponse）
func (o *Orchestrator) Submit(ctx context.Context, req types.Request) (types.Record, error) {
	ctx, span := tracer.Start(ctx, "genflow.submit")
	defer span.End()

	rec, err := o.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordRejection(rejectionReason(err))
		return types.Record{}, err
	}
	span.SetAttributes(
		attribute.String("genflow.record_id", rec.ID),
		attribute.String("genflow.job_id", string(rec.JobID)),
		attribute.String("genflow.kind", string(rec.Kind)),
	)
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

func (o *Orchestrator) submit(ctx context.Context, req types.Request) (types.Record, error) {
	if req == nil {
		return types.Record{}, fmt.Errorf("%w: nil request", types.ErrInvalidPayload)
	}
	if err := req.Validate(); err != nil {
		return types.Record{}, err
	}
	if err := o.checkRunning(); err != nil {
		return types.Record{}, err
	}

	rid := uuid.NewString()
	logger := o.logger.With().Str(genlog.FieldRecordID, rid).Str(genlog.FieldKind, string(req.Kind())).Logger()

	if err := o.admit(ctx, rid, req); err != nil {
		return types.Record{}, err
	}
	// Stop 會等待進行中的提交完成 ACK 之後才寫最後快照並關閉 WAL
	defer o.submits.Done()

	receipt, err := o.api.Submit(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.abortLocked(ctx, rid)
		logger.Warn().Err(err).Msg("submission failed")
		return types.Record{}, err
	}

	tr, err := o.jobs.Acknowledge(rid, receipt.JobID)
	if errors.Is(err, jobmanager.ErrIDClaimed) && req.Kind() == types.KindImageEffect {
		// 伺服器回傳的 ID 已屬於其他任務，改由列表認領
		logger.Warn().Str(genlog.FieldJobID, string(receipt.JobID)).Msg("server id already tracked; acknowledging without id")
		receipt.JobID = ""
		tr, err = o.jobs.Acknowledge(rid, "")
	}
	if errors.Is(err, jobmanager.ErrIDClaimed) {
		// 沒有 ID 就無法查詢狀態，不能佔著名額
		o.abortLocked(ctx, rid)
		logger.Error().Str(genlog.FieldJobID, string(receipt.JobID)).Msg("server returned an id owned by another generation")
		return types.Record{}, fmt.Errorf("acknowledge %s: %w", rid, err)
	}
	if err != nil {
		// 任務在提交期間被刪除
		return types.Record{}, fmt.Errorf("acknowledge %s: %w", rid, err)
	}
	// ACK 必須持久化，否則重啟後任務會被當成中斷的提交
	o.persistLocked(wal.AckEvent(rid, receipt.JobID))
	if receipt.JobID != "" {
		if err := o.store.ReassignJobID(ctx, rid, receipt.JobID); err != nil {
			logger.Error().Err(err).Str(genlog.FieldJobID, string(receipt.JobID)).Msg("failed to index job id")
		}
	}
	if !o.stopped {
		o.tracker.Start(rid)
	}

	o.metrics.RecordSubmission(string(tr.Job.Kind))
	o.refreshGauges()
	logger.Info().
		Str(genlog.FieldEvent, "submitted").
		Str(genlog.FieldJobID, string(receipt.JobID)).
		Msg("generation submitted")

	rec, found, err := o.store.Get(ctx, rid)
	if err != nil || !found {
		return recordFor(tr.Job, req), nil
	}
	return rec, nil
}

// admit 在鎖內完成准入、ADMIT 日誌與紀錄建立
func (o *Orchestrator) admit(ctx context.Context, rid string, req types.Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkRunningLocked(); err != nil {
		return err
	}
	job, err := o.jobs.Admit(types.Job{
		RecordID:    rid,
		Kind:        req.Kind(),
		Fingerprint: req.Fingerprint(),
	})
	if err != nil {
		return err
	}

	// 先寫 WAL（Write-Ahead）
	if _, err := o.journal.Append(wal.AdmitEvent(job)); err != nil {
		o.metrics.RecordJournalError(string(wal.EventAdmit))
		o.jobs.Abort(rid)
		return fmt.Errorf("failed to append ADMIT event: %w", err)
	}
	if _, err := o.store.Add(ctx, recordFor(job, req)); err != nil {
		o.abortLocked(ctx, rid)
		return fmt.Errorf("failed to create record: %w", err)
	}
	o.submits.Add(1)
	o.refreshGauges()
	return nil
}

// abortLocked 撤銷尚未被接受的提交
func (o *Orchestrator) abortLocked(ctx context.Context, rid string) {
	if _, ok := o.jobs.Abort(rid); ok {
		o.appendLocked(wal.RemoveEvent(rid))
	}
	if _, err := o.store.Delete(ctx, rid); err != nil {
		o.logger.Error().Err(err).Str(genlog.FieldRecordID, rid).Msg("failed to delete aborted record")
	}
	o.refreshGauges()
}

// persistLocked 寫入必須存活到重啟的事件；WAL 寫入失敗時改寫一次完整快照
func (o *Orchestrator) persistLocked(ev wal.Event) {
	if err := o.appendLocked(ev); err == nil {
		return
	}
	if err := o.snapshotLocked(); err != nil {
		o.logger.Error().Err(err).
			Str(genlog.FieldEvent, string(ev.Type)).
			Str(genlog.FieldRecordID, ev.RecordID).
			Msg("event is not durable")
	}
}

// appendLocked 寫一筆 WAL 事件；失敗會記錄並計入指標
func (o *Orchestrator) appendLocked(ev wal.Event) error {
	if _, err := o.journal.Append(ev); err != nil {
		o.metrics.RecordJournalError(string(ev.Type))
		o.logger.Error().Err(err).
			Str(genlog.FieldEvent, string(ev.Type)).
			Str(genlog.FieldRecordID, ev.RecordID).
			Msg("Failed to append journal event")
		return err
	}
	return nil
}

func recordFor(job types.Job, req types.Request) types.Record {
	rec := types.Record{
		ID:         job.RecordID,
		JobID:      job.ID,
		Kind:       job.Kind,
		PromptText: req.Prompt(),
		Status:     types.RecordStatusFor(job.Status),
	}
	if fx, ok := req.(types.ImageEffect); ok {
		rec.EffectID = fx.FilterID
	}
	return rec
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, dedup.ErrDuplicateInProgress):
		return "duplicate"
	case errors.Is(err, gate.ErrMaxGenerationsReached):
		return "max_generations"
	case errors.Is(err, apiclient.ErrServerRejected):
		return "server_rejected"
	case errors.Is(err, apiclient.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, apiclient.ErrTransport):
		return "transport"
	case errors.Is(err, jobmanager.ErrIDClaimed):
		return "id_claimed"
	default:
		return "other"
	}
}

// ============================================================================
// 單次檢查與刪除
// ============================================================================

// Refresh 立即檢查一次任務狀態。探測失敗時會排程恰好一次的延遲重試；
// 已有探測在途時不重複提交。
func (o *Orchestrator) Refresh(ctx context.Context, recordID string) error {
	if err := o.checkRunning(); err != nil {
		return err
	}
	job, ok := o.jobs.Get(recordID)
	if !ok {
		return jobmanager.ErrJobNotFound
	}
	if !job.Status.IsInFlight() || job.Status == types.StatusSubmitting {
		return nil
	}
	if !o.claimProbe(recordID) {
		return nil
	}
	epoch, _ := o.tracker.Epoch(recordID)
	task := worker.Task{
		Key:     recordID,
		JobID:   job.ID,
		Kind:    job.Kind,
		Epoch:   epoch,
		OneShot: true,
		Timeout: o.cfg.ProbeTimeout,
	}
	if err := o.pool.Submit(ctx, task); err != nil {
		o.releaseProbe(recordID)
		return err
	}
	o.metrics.RecordProbe()
	return nil
}

// Delete 刪除紀錄：停止輪詢、歸還名額與去重項、移除紀錄與快取檔案。
// 之後到達的探測結果不會產生任何效果。
func (o *Orchestrator) Delete(ctx context.Context, recordID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tracker.Stop(recordID)
	_, tracked := o.jobs.Remove(recordID)
	if tracked {
		o.appendLocked(wal.RemoveEvent(recordID))
	}

	rec, found, err := o.store.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if found {
		if _, err := o.store.Delete(ctx, recordID); err != nil {
			return err
		}
		if o.files != nil && rec.VideoURL != "" {
			if _, err := o.files.Delete(rec.VideoURL); err != nil {
				o.logger.Warn().Err(err).Str(genlog.FieldURL, rec.VideoURL).Msg("failed to delete cached video")
			}
		}
	}
	o.refreshGauges()

	if !tracked && !found {
		return videostore.ErrNotFound
	}
	o.logger.Info().Str(genlog.FieldEvent, "deleted").Str(genlog.FieldRecordID, recordID).Msg("record deleted")
	return nil
}

// ClearHistory 刪除所有紀錄與追蹤中的任務，並清空影片快取
func (o *Orchestrator) ClearHistory(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tracker.StopAll()
	for rid := range o.jobs.Snapshot().Jobs {
		if _, ok := o.jobs.Remove(rid); ok {
			o.appendLocked(wal.RemoveEvent(rid))
		}
	}

	n, err := o.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if o.files != nil {
		if _, err := o.files.Clear(); err != nil {
			o.logger.Warn().Err(err).Msg("failed to clear video cache")
		}
	}
	o.refreshGauges()
	return n, nil
}
