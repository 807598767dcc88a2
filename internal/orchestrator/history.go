package orchestrator

import (
	"context"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// HistoryFilter 選擇歷史紀錄；零值列出全部
type HistoryFilter struct {
	Favorites bool
	Status    types.RecordStatus
}

// History 依建立時間由新到舊列出紀錄
func (o *Orchestrator) History(ctx context.Context, f HistoryFilter) ([]types.Record, error) {
	switch {
	case f.Favorites:
		recs, err := o.store.ListFavorites(ctx)
		if err != nil || f.Status == "" {
			return recs, err
		}
		out := recs[:0]
		for _, r := range recs {
			if r.Status == f.Status {
				out = append(out, r)
			}
		}
		return out, nil
	case f.Status != "":
		return o.store.ListByStatus(ctx, f.Status)
	default:
		return o.store.ListAll(ctx)
	}
}

// Record 取得單筆紀錄
func (o *Orchestrator) Record(ctx context.Context, recordID string) (types.Record, bool, error) {
	return o.store.Get(ctx, recordID)
}

// SetFavorite 標記或取消收藏
func (o *Orchestrator) SetFavorite(ctx context.Context, recordID string, favorite bool) (types.Record, error) {
	return o.store.SetFavorite(ctx, recordID, favorite)
}

// Effects 取得特效目錄
func (o *Orchestrator) Effects(ctx context.Context) ([]types.Effect, error) {
	return o.api.Effects(ctx)
}
