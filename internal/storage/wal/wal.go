package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務生命週期事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復追蹤狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 開啟時截掉寫到一半的尾端紀錄
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後分配的事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	truncated    int64 // 開啟時丟棄的尾端位元組數
	now          func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描到最後一個完整事件並繼續其 seq
- 第一個損壞點之後的內容會被截掉（崩潰時寫到一半的紀錄）
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	good, lastSeq, scanErr := scanFile(path, nil)
	var ce *CorruptionError
	var cse *ChecksumError
	if scanErr != nil && !errors.As(scanErr, &ce) && !errors.As(scanErr, &cse) {
		return nil, fmt.Errorf("wal: scan %s: %w", path, scanErr)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var truncated int64
	if stat, err := file.Stat(); err == nil && stat.Size() > good {
		truncated = stat.Size() - good
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate damaged tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
		truncated:    truncated,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 分配下一個 seq 與時間戳
// - 計算 checksum
// - 寫入檔案（syncOnAppend 時同步到磁碟）
//
// 回傳寫入後的事件（含 seq）。
func (w *WAL) Append(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return event, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp == 0 {
		event.Timestamp = w.now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	if err := w.encoder.Encode(event); err != nil {
		return event, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return event, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	return event, nil
}

// Replay 重放 seq 大於 afterSeq 的事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 回傳錯誤即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	_, _, err := scanFile(w.path, func(e Event) error {
		if e.Seq <= afterSeq {
			return nil
		}
		if err := handler(e); err != nil {
			return fmt.Errorf("wal: replay seq=%d: %w", e.Seq, err)
		}
		return nil
	})
	return err
}

// EnsureSeq 確保下一個分配的 seq 大於 seq
//
// 用途：Rotate 後檔案為空，重啟時要以快照的 LastSeq 接續編號，
// 否則新事件會在下次重放時被當成已納入快照而跳過。
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 <path>.prev（覆蓋上一份），再開一個空檔。
// seq 不歸零。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Truncated 回傳開啟時丟棄的尾端位元組數（0 表示檔案完整）
func (w *WAL) Truncated() int64 {
	return w.truncated
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}
