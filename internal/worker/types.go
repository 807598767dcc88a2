package worker

import (
	"time"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// Task 代表一次狀態探測
type Task struct {
	Key     string        // 任務本地鍵 (RecordID)
	JobID   types.JobID   // 伺服器 ID，列表探測時可為空
	Kind    types.JobKind // 決定探測方式
	Epoch   uint64        // 發出探測的計時器世代
	Retry   bool          // 一次性重試
	OneShot bool          // 使用者觸發的單次檢查，失敗時排程一次重試
	Timeout time.Duration // 探測超時時間
}

// Result 代表探測結果
type Result struct {
	Task     Task
	Reports  []apiclient.StatusReport // 單筆 (按 ID) 或整個列表
	Err      error                    // 傳輸或解析錯誤
	Duration time.Duration            // 實際執行時間
}
