package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/genflow/internal/jobmanager"
	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/storage/wal"
	"github.com/ChuLiYu/genflow/internal/videostore"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// interruptedMessage 重啟時仍在提交中、且無法透過列表認領的任務
const interruptedMessage = "submission interrupted before the server acknowledged it"

// recover 從快照與 WAL 重建任務表
//
// 返回值：
//   - []types.Job: 需要恢復輪詢的任務
//   - error: 快照或 WAL 無法讀取
func (o *Orchestrator) recover(ctx context.Context) ([]types.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	data, err := o.snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[string]*types.Job)
	}
	snapshotJobs := len(data.Jobs)

	// 旋轉後的新 WAL 可能是空的，序號必須延續快照
	o.journal.EnsureSeq(data.LastSeq)

	replayed := 0
	err = o.journal.Replay(data.LastSeq, func(ev wal.Event) error {
		replayed++
		return fold(data.Jobs, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}

	interrupted := settleInterrupted(data.Jobs)

	if err := o.jobs.Restore(data); err != nil {
		if !errors.Is(err, jobmanager.ErrOverCapacity) {
			return nil, fmt.Errorf("failed to restore state: %w", err)
		}
		// 超出上限的任務仍然追蹤，完成後名額自然回到上限之內
		o.logger.Warn().Err(err).Msg("restored more in-flight jobs than the cap allows")
	}

	for _, job := range interrupted {
		o.appendLocked(wal.RemoveEvent(job.RecordID))
		o.settleRecord(ctx, job, types.RecordFailed, interruptedMessage)
	}

	// 終態已記入 WAL 但紀錄可能尚未更新（崩潰發生在兩者之間）
	for _, job := range data.Jobs {
		if job.Status.IsTerminal() {
			o.settleRecord(ctx, *job, types.RecordStatusFor(job.Status), job.Message)
		}
	}

	resumed := o.jobs.Tracked()
	o.logger.Info().
		Dur(genlog.FieldDuration, time.Since(start)).
		Int("snapshot_jobs", snapshotJobs).
		Int("replayed_events", replayed).
		Int("interrupted", len(interrupted)).
		Int("resumed", len(resumed)).
		Uint64("seq", o.journal.GetLastSeq()).
		Msg("Recovery completed")
	return resumed, nil
}

// fold 把一筆 WAL 事件疊加到任務表上。重放必須是冪等的：
// 重複的事件、指向已移除任務的事件都直接忽略。
func fold(jobs map[string]*types.Job, ev wal.Event) error {
	switch ev.Type {
	case wal.EventAdmit:
		if _, exists := jobs[ev.RecordID]; exists {
			return nil
		}
		job := ev.Job()
		job.Status = types.StatusSubmitting
		jobs[ev.RecordID] = &job

	case wal.EventAck:
		job, ok := jobs[ev.RecordID]
		if !ok {
			return nil
		}
		if ev.JobID != "" {
			job.ID = ev.JobID
		}
		if job.Status == types.StatusSubmitting {
			job.Status = types.StatusQueued
		}
		job.UpdatedAt = ev.Timestamp

	case wal.EventAssign:
		if job, ok := jobs[ev.RecordID]; ok {
			job.ID = ev.JobID
			job.UpdatedAt = ev.Timestamp
		}

	case wal.EventStatus:
		job, ok := jobs[ev.RecordID]
		if !ok || job.Status.IsTerminal() {
			return nil
		}
		job.Status = ev.Status
		if ev.JobID != "" {
			job.ID = ev.JobID
		}
		if ev.ResultURL != "" {
			job.ResultURL = ev.ResultURL
		}
		if ev.Message != "" {
			job.Message = ev.Message
		}
		job.PollFailures = 0
		job.UpdatedAt = ev.Timestamp

	case wal.EventRemove:
		delete(jobs, ev.RecordID)

	default:
		return fmt.Errorf("unknown journal event %q at seq %d", ev.Type, ev.Seq)
	}
	return nil
}

// settleInterrupted 處理崩潰時仍在提交中的任務。特效任務可以之後從列表
// 認領，視為已排隊；其他類型沒有 ID 就無法查詢，從任務表移除並返回。
func settleInterrupted(jobs map[string]*types.Job) []types.Job {
	var dropped []types.Job
	for rid, job := range jobs {
		if job.Status != types.StatusSubmitting {
			continue
		}
		if job.Kind == types.KindImageEffect {
			job.Status = types.StatusQueued
			continue
		}
		dropped = append(dropped, *job)
		delete(jobs, rid)
	}
	return dropped
}

// settleRecord 把紀錄推進到終態；已是終態或不存在時不做任何事
func (o *Orchestrator) settleRecord(ctx context.Context, job types.Job, status types.RecordStatus, message string) {
	_, changed, err := o.store.UpdateStatus(ctx, videostore.StatusUpdate{
		RecordID:     job.RecordID,
		JobID:        job.ID,
		Status:       status,
		ResultURL:    job.ResultURL,
		ErrorMessage: message,
	})
	if err != nil {
		o.logger.Error().Err(err).Str(genlog.FieldRecordID, job.RecordID).Msg("failed to settle record")
		return
	}
	if changed {
		o.logger.Info().
			Str(genlog.FieldRecordID, job.RecordID).
			Str(genlog.FieldStatus, string(status)).
			Msg("record settled during recovery")
	}
}
