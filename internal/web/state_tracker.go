package web

import (
	"sync"

	"github.com/JasonSnail/FECP/internal/types"
)

// EntityState 定义了用于图形渲染层的实体状态视图
// 这是一个简化视图，只包含前端点亮节点所需的数据
type EntityState struct {
	ID           string             `json:"id"`
	DefinitionID string             `json:"definitionId"`
	Version      string             `json:"version"`
	Node         string             `json:"node"`
	Status       types.EntityStatus `json:"status"`
	Archived     bool               `json:"archived"`
	LastLabel    string             `json:"lastLabel,omitempty"`
	LastOutcome  types.Outcome      `json:"lastOutcome,omitempty"`
}

// GlobalState 代表所有被追踪实体的实时状态快照
type GlobalState struct {
	Entities map[string]EntityState `json:"entities"`
}

// StateTracker 负责追踪所有实体的实时状态，并通知前端更新
// 缓存的失效由账本追加事件驱动，从不依赖时间
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: GlobalState{Entities: make(map[string]EntityState)},
		hub:   hub,
	}
	hub.SetSnapshot(func() interface{} { return st.GetStateSnapshot() })
	return st
}

// UpdateEntity 按引擎事件更新实体视图，并向所有客户端广播最新全局状态
func (st *StateTracker) UpdateEntity(view *types.EntityView, record *types.TransitionRecord) {
	if view == nil {
		return
	}
	st.mu.Lock()

	es := EntityState{
		ID:           view.ID,
		DefinitionID: view.DefinitionID,
		Version:      view.DefinitionVersion,
		Node:         view.Node,
		Status:       view.Status,
		Archived:     view.Archived,
	}
	if record != nil {
		es.LastLabel = record.Label
		es.LastOutcome = record.Outcome
	}
	st.state.Entities[view.ID] = es
	st.mu.Unlock()

	st.hub.BroadcastState(st.GetStateSnapshot())
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 新客户端连接时用它获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snapshot := GlobalState{Entities: make(map[string]EntityState, len(st.state.Entities))}
	for id, es := range st.state.Entities {
		snapshot.Entities[id] = es
	}
	return snapshot
}
