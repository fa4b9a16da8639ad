package query

import (
	"context"
	"fmt"
	"time"

	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/engine"
	"github.com/JasonSnail/FECP/internal/ledger"
	"github.com/JasonSnail/FECP/internal/types"
)

// Service 是只读投影层，服务于可视化层和诊断助手
// 当前状态来自引擎的物化实例（按构造与账本一致），时间线直通账本
type Service struct {
	engine *engine.Engine
	ledger ledger.Ledger
	defs   *definition.Store
}

// NewService 创建投影层服务
func NewService(eng *engine.Engine, led ledger.Ledger, defs *definition.Store) *Service {
	return &Service{engine: eng, ledger: led, defs: defs}
}

// CurrentState 返回实体的当前节点与状态
func (s *Service) CurrentState(entityID string) (types.EntityView, error) {
	view, ok := s.engine.View(entityID)
	if !ok {
		return types.EntityView{}, fmt.Errorf("entity %q not found", entityID)
	}
	return view, nil
}

// ActiveEntities 返回某定义下的活动实体集合，供大盘填充
func (s *Service) ActiveEntities(definitionID string) []string {
	return s.engine.ActiveEntities(definitionID)
}

// Timeline 返回实体在时间窗内的有序账本记录
func (s *Service) Timeline(ctx context.Context, entityID string, from, to time.Time) ([]types.TransitionRecord, error) {
	return s.ledger.QueryByEntity(ctx, entityID, from, to)
}

// RecentEvents 返回实体最近的 limit 条账本记录
// 这是诊断助手拉取回答上下文的接口，核心自己绝不调用助手
func (s *Service) RecentEvents(ctx context.Context, entityID string, limit int) ([]types.TransitionRecord, error) {
	records, err := s.ledger.QueryByEntity(ctx, entityID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Fold 把一个实体的完整账本折叠成 (当前节点, 状态)
// 账本是唯一事实来源，引擎的物化状态必须永远等于这个折叠结果
func Fold(def *definition.Compiled, records []types.TransitionRecord) (string, types.EntityStatus) {
	node := ""
	status := types.StatusPending
	for _, r := range records {
		switch r.Kind {
		case types.RecordState:
			if r.To != "" {
				node = r.To
			}
			if r.Outcome == types.OutcomeFailed {
				status = types.StatusError
			} else {
				status = types.StatusActive
			}
		}
	}
	if node != "" && def.Nodes[node].Kind.IsTerminal() && status != types.StatusError {
		status = types.StatusCompleted
	}
	return node, status
}

// FoldEntity 按实体账本重算当前状态，用于一致性校验
func (s *Service) FoldEntity(ctx context.Context, entityID string) (string, types.EntityStatus, error) {
	view, ok := s.engine.View(entityID)
	if !ok {
		return "", "", fmt.Errorf("entity %q not found", entityID)
	}
	def, err := s.defs.Get(view.DefinitionID, view.DefinitionVersion)
	if err != nil {
		return "", "", err
	}
	records, err := s.ledger.QueryByEntity(ctx, entityID, time.Time{}, time.Time{})
	if err != nil {
		return "", "", err
	}
	node, status := Fold(def, records)
	return node, status, nil
}
