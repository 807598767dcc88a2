package wal

// ============================================================================
// WAL 工具函式
// 職責：掃描、驗證與輸出 WAL 檔案
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// scanFile 逐行讀取 WAL，對每個通過校驗的事件呼叫 fn
//
// 回傳：
//
//	good    - 最後一個完整事件結尾的位元組位移
//	lastSeq - 最後一個完整事件的 seq
//	err     - 第一個損壞點（*CorruptionError / *ChecksumError）或 fn 的錯誤
//
// 檔案不存在視為空檔。
func scanFile(path string, fn func(Event) error) (good int64, lastSeq uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			// 沒有換行結尾的最後一行是寫到一半的紀錄
			if line[len(line)-1] != '\n' {
				return good, lastSeq, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: io.ErrUnexpectedEOF}
			}
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var event Event
				if err := json.Unmarshal(trimmed, &event); err != nil {
					return good, lastSeq, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
				}
				if expected := CalculateChecksum(event); expected != event.Checksum {
					return good, lastSeq, &ChecksumError{Seq: event.Seq, Offset: offset, Expected: expected, Actual: event.Checksum}
				}
				if fn != nil {
					if err := fn(event); err != nil {
						return good, lastSeq, err
					}
				}
				lastSeq = event.Seq
			}
			offset += int64(len(line))
			good = offset
		}
		if readErr == io.EOF {
			return good, lastSeq, nil
		}
		if readErr != nil {
			return good, lastSeq, readErr
		}
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 回傳：
//
//	最後一個事件，錯誤（檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, _, err := scanFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中完整事件的總數
func CountEvents(path string) (int, error) {
	n := 0
	_, _, err := scanFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（Rotate 後不從 1 重新開始，所以只要求遞增）
func ValidateWAL(path string) error {
	var prev uint64
	_, _, err := scanFile(path, func(e Event) error {
		if e.Seq <= prev {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptedWAL, e.Seq, prev)
		}
		prev = e.Seq
		return nil
	})
	return err
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] ADMIT rec-1 job= queued at 2024-01-01T00:00:00Z
func DumpWAL(path string, w io.Writer) error {
	_, _, err := scanFile(path, func(e Event) error {
		_, werr := fmt.Fprintf(w, "[seq:%d] %-6s %s job=%s %s at %s\n",
			e.Seq, e.Type, e.RecordID, e.JobID, e.Status,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
		return werr
	})
	return err
}
