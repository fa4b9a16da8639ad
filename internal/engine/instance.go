package engine

import (
	"sync"
	"time"

	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/guard"
	"github.com/JasonSnail/FECP/internal/types"
)

// instance 是一个被追踪实体（载具/批次）的运行时状态
// 实体由执行引擎独占持有：同一实体的转移在实例锁内串行应用，
// 不同实体完全独立，互不阻塞
type instance struct {
	mu        sync.Mutex
	id        string
	def       *definition.Compiled
	node      string
	status    types.EntityStatus
	attrs     map[string]any
	archived  bool
	createdAt time.Time
	seq       uint64 // 账本记录序号，单实体内单调递增

	// activitySince 非零表示当前活动节点有一条 running 记录在计时
	activitySince time.Time
}

func newInstance(id string, def *definition.Compiled, now time.Time) *instance {
	return &instance{
		id:        id,
		def:       def,
		node:      def.Start,
		status:    types.StatusActive,
		attrs:     make(map[string]any),
		createdAt: now,
	}
}

// nextSeq 分配下一个记录序号，调用方必须持有实例锁
func (ins *instance) nextSeq() uint64 {
	ins.seq++
	return ins.seq
}

// guardContext 构造守卫表达式可见的实体上下文，调用方必须持有实例锁
func (ins *instance) guardContext() guard.EntityContext {
	return guard.EntityContext{
		ID:     ins.id,
		Node:   ins.node,
		Status: string(ins.status),
		Attrs:  ins.attrs,
	}
}

// snapshot 生成实体的只读快照，调用方必须持有实例锁
func (ins *instance) snapshot() types.EntityView {
	attrs := make(map[string]any, len(ins.attrs))
	for k, v := range ins.attrs {
		attrs[k] = v
	}
	return types.EntityView{
		ID:                ins.id,
		DefinitionID:      ins.def.Def.ID,
		DefinitionVersion: ins.def.Def.Version,
		Node:              ins.node,
		Status:            ins.status,
		Archived:          ins.archived,
		Attrs:             attrs,
		CreatedAt:         ins.createdAt,
	}
}

// mergeAttrs 把事件负载并入实体上下文，后续守卫可以引用
func (ins *instance) mergeAttrs(payload map[string]any) {
	for k, v := range payload {
		ins.attrs[k] = v
	}
}
