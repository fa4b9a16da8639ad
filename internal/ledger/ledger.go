package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/JasonSnail/FECP/internal/types"
)

// Ledger 是只追加的历史账本
// 任何调用方（包括执行引擎）都没有更新或删除入口
type Ledger interface {
	// Append 原子地追加一批记录，失败属于基础设施错误，由调用方重试
	Append(ctx context.Context, records ...types.TransitionRecord) error
	// QueryByEntity 返回某实体在 [from, to] 时间窗内的有序记录
	// from/to 为零值表示不限制；顺序按 (Timestamp, Seq) 稳定排序
	QueryByEntity(ctx context.Context, entityID string, from, to time.Time) ([]types.TransitionRecord, error)
	// Replay 返回全量记录，用于启动时重建引擎状态
	Replay(ctx context.Context) ([]types.TransitionRecord, error)
	Close() error
}

// inWindow 判断记录是否落在查询时间窗内
func inWindow(r types.TransitionRecord, from, to time.Time) bool {
	if !from.IsZero() && r.Ts.Before(from) {
		return false
	}
	if !to.IsZero() && r.Ts.After(to) {
		return false
	}
	return true
}

// sortRecords 按 (Timestamp, Seq) 稳定排序
func sortRecords(records []types.TransitionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Ts.Equal(records[j].Ts) {
			return records[i].Seq < records[j].Seq
		}
		return records[i].Ts.Before(records[j].Ts)
	})
}
