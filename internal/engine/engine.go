package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/event"
	"github.com/JasonSnail/FECP/internal/ledger"
	"github.com/JasonSnail/FECP/internal/types"
)

// Engine 是状态机解释器，驱动所有被追踪实体沿其绑定定义运转
// 每个实体同一时刻只有一个控制流：转移在实例锁内应用，先落账后提交内存状态，
// 内存中的当前节点永远等于账本折叠的结果
type Engine struct {
	defs   *definition.Store
	ledger ledger.Ledger
	bus    *event.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

// NewEngine 创建执行引擎
func NewEngine(defs *definition.Store, led ledger.Ledger, bus *event.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		defs:      defs,
		ledger:    led,
		bus:       bus,
		logger:    logger.With("component", "engine"),
		instances: make(map[string]*instance),
	}
}

// checkpoint 保存实例的可回滚状态，账本写入失败时恢复
type checkpoint struct {
	node          string
	status        types.EntityStatus
	archived      bool
	seq           uint64
	activitySince time.Time
	attrs         map[string]any
}

func saveCheckpoint(ins *instance) checkpoint {
	attrs := make(map[string]any, len(ins.attrs))
	for k, v := range ins.attrs {
		attrs[k] = v
	}
	return checkpoint{
		node:          ins.node,
		status:        ins.status,
		archived:      ins.archived,
		seq:           ins.seq,
		activitySince: ins.activitySince,
		attrs:         attrs,
	}
}

func restoreCheckpoint(ins *instance, cp checkpoint) {
	ins.node = cp.node
	ins.status = cp.status
	ins.archived = cp.archived
	ins.seq = cp.seq
	ins.activitySince = cp.activitySince
	ins.attrs = cp.attrs
}

// Apply 对实体应用一个事件，返回处理结论
// 未知实体只有携带定义创建事件类型时才会触发实例创建
func (e *Engine) Apply(ctx context.Context, ev types.IncomingEvent) types.Decision {
	e.mu.RLock()
	ins, ok := e.instances[ev.EntityID]
	e.mu.RUnlock()

	if !ok {
		return e.create(ctx, ev)
	}
	return e.transition(ctx, ins, ev)
}

// create 处理未知实体的事件：创建事件建立实例，其余一律拒绝
// UnknownEntity 拒绝不落账——不存在可以挂账的实体流
func (e *Engine) create(ctx context.Context, ev types.IncomingEvent) types.Decision {
	def, err := e.resolveDefinition(ev)
	if err != nil {
		return types.Decision{
			Status:   types.DecisionRejected,
			Reason:   types.ReasonUnknownEntity,
			EntityID: ev.EntityID,
			Detail:   err.Error(),
		}
	}

	e.mu.Lock()
	if existing, raced := e.instances[ev.EntityID]; raced {
		// 两个创建事件竞争，输家按普通事件处理
		e.mu.Unlock()
		return e.transition(ctx, existing, ev)
	}
	ins := newInstance(ev.EntityID, def, time.Now())
	e.instances[ev.EntityID] = ins
	e.mu.Unlock()

	ins.mu.Lock()
	defer ins.mu.Unlock()

	cp := saveCheckpoint(ins)
	start := def.Nodes[def.Start]
	creation := types.TransitionRecord{
		ID:       uuid.NewString(),
		EntityID: ins.id,
		Seq:      ins.nextSeq(),
		Kind:     types.RecordState,
		To:       def.Start,
		EventID:  ev.IdempotencyKey,
		Label:    start.Label,
		Outcome:  types.OutcomeCompleted,
		Detail:   def.Def.ID + "@" + def.Def.Version,
		Ts:       time.Now(),
	}
	records := []types.TransitionRecord{creation}
	ins.mergeAttrs(ev.Payload)
	busEvents := []event.Event{{Type: event.EntityCreated, EntityID: ins.id, Record: &creation}}

	records, busEvents, held, holdDetail := e.autoAdvance(ins, ev.IdempotencyKey, records, busEvents)

	if err := e.ledger.Append(ctx, records...); err != nil {
		restoreCheckpoint(ins, cp)
		e.mu.Lock()
		delete(e.instances, ev.EntityID)
		e.mu.Unlock()
		e.logger.Error("创建实体落账失败", "entity_id", ev.EntityID, "error", err)
		return types.Decision{Status: types.DecisionRejected, Reason: types.ReasonStorageUnavailable, EntityID: ev.EntityID, Detail: err.Error()}
	}
	e.publish(ins, busEvents)
	e.logger.Info("实体已创建", "entity_id", ins.id, "definition_id", def.Def.ID, "node", ins.node)

	if held {
		return e.decision(ins, types.DecisionRejected, types.ReasonAmbiguousGuard, holdDetail)
	}
	return e.decision(ins, types.DecisionAccepted, "", "")
}

// resolveDefinition 为创建事件挑选定义
// 事件可以显式指定 (id, version)，否则按 create_on 事件类型反查
func (e *Engine) resolveDefinition(ev types.IncomingEvent) (*definition.Compiled, error) {
	if ev.DefinitionID != "" {
		var def *definition.Compiled
		var err error
		if ev.DefinitionVersion != "" {
			def, err = e.defs.Get(ev.DefinitionID, ev.DefinitionVersion)
		} else {
			def, err = e.defs.Latest(ev.DefinitionID)
		}
		if err != nil {
			return nil, err
		}
		if def.Def.CreateOn != ev.Kind {
			return nil, fmt.Errorf("event kind %q does not create entities for definition %s", ev.Kind, ev.DefinitionID)
		}
		return def, nil
	}
	if def, ok := e.defs.ByCreateEvent(ev.Kind); ok {
		return def, nil
	}
	return nil, fmt.Errorf("no definition accepts creation event kind %q", ev.Kind)
}

// transition 在实例锁内对已存在的实体应用事件
func (e *Engine) transition(ctx context.Context, ins *instance, ev types.IncomingEvent) types.Decision {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	if ins.archived {
		e.audit(ctx, ins, ev, types.ReasonEntityArchived, "entity is archived, no further events accepted")
		return e.decision(ins, types.DecisionRejected, types.ReasonEntityArchived, "")
	}

	matched, ambiguous, detail := e.resolveEvent(ins, ev)
	if ambiguous {
		return e.holdEntity(ctx, ins, ev.IdempotencyKey, detail)
	}
	if matched == nil {
		node := ins.def.Nodes[ins.node]
		if node.Kind == types.NodeDecision {
			// 决策节点的守卫必须覆盖所有运行时情况，缺口按定义缺陷失败关闭
			return e.holdEntity(ctx, ins, ev.IdempotencyKey, detail)
		}
		e.audit(ctx, ins, ev, types.ReasonNoMatchingTransition, detail)
		return e.decision(ins, types.DecisionRejected, types.ReasonNoMatchingTransition, detail)
	}

	cp := saveCheckpoint(ins)
	records, busEvents := e.step(ins, *matched, ev.IdempotencyKey, ev.Payload, nil, nil)
	records, busEvents, held, holdDetail := e.autoAdvance(ins, ev.IdempotencyKey, records, busEvents)

	if err := e.ledger.Append(ctx, records...); err != nil {
		restoreCheckpoint(ins, cp)
		e.logger.Error("转移落账失败", "entity_id", ins.id, "error", err)
		return types.Decision{Status: types.DecisionRejected, Reason: types.ReasonStorageUnavailable, EntityID: ins.id, Detail: err.Error()}
	}
	e.publish(ins, busEvents)

	if held {
		return e.decision(ins, types.DecisionRejected, types.ReasonAmbiguousGuard, holdDetail)
	}
	return e.decision(ins, types.DecisionAccepted, "", "")
}

// resolveEvent 在当前节点的出边里匹配事件
// 返回唯一命中的转移；多条命中时报告歧义，守卫求值错误按未命中处理
func (e *Engine) resolveEvent(ins *instance, ev types.IncomingEvent) (*definition.CompiledTransition, bool, string) {
	var matches []definition.CompiledTransition
	for _, t := range ins.def.Outgoing[ins.node] {
		if t.Event == "" || t.Event != ev.Kind {
			continue
		}
		ok, err := t.Guard.Eval(ev.Payload, ins.guardContext())
		if err != nil {
			e.logger.Warn("守卫求值失败", "entity_id", ins.id, "transition", t.ID, "error", err)
			continue
		}
		if ok {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, false, fmt.Sprintf("no transition from node %q accepts event %q", ins.node, ev.Kind)
	case 1:
		return &matches[0], false, ""
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, true, fmt.Sprintf("guards of transitions [%s] all matched at node %q", strings.Join(ids, ", "), ins.node)
	}
}

// autoAdvance 在每次成功转移后连续评估无事件转移，直到稳定
// 迭代次数以节点数为上限，保证带环定义不会空转
func (e *Engine) autoAdvance(ins *instance, eventID string, records []types.TransitionRecord, busEvents []event.Event) ([]types.TransitionRecord, []event.Event, bool, string) {
	for hops := 0; hops < len(ins.def.Nodes) && !ins.archived; hops++ {
		var matches []definition.CompiledTransition
		for _, t := range ins.def.Outgoing[ins.node] {
			if t.Event != "" {
				continue
			}
			ok, err := t.Guard.Eval(nil, ins.guardContext())
			if err != nil {
				e.logger.Warn("守卫求值失败", "entity_id", ins.id, "transition", t.ID, "error", err)
				continue
			}
			if ok {
				matches = append(matches, t)
			}
		}
		node := ins.def.Nodes[ins.node]
		if len(matches) == 0 {
			if node.Kind == types.NodeDecision {
				// 决策节点必须有且仅有一条出路，守卫缺口失败关闭到 Hold
				detail := fmt.Sprintf("no guard covers current context at decision node %q", ins.node)
				records, busEvents = e.holdStep(ins, eventID, detail, records, busEvents)
				return records, busEvents, true, detail
			}
			break
		}
		if len(matches) > 1 {
			ids := make([]string, len(matches))
			for i, m := range matches {
				ids[i] = m.ID
			}
			detail := fmt.Sprintf("guards of transitions [%s] all matched at node %q", strings.Join(ids, ", "), ins.node)
			records, busEvents = e.holdStep(ins, eventID, detail, records, busEvents)
			return records, busEvents, true, detail
		}
		records, busEvents = e.step(ins, matches[0], eventID, nil, records, busEvents)
	}
	return records, busEvents, false, ""
}

// step 应用一条转移：结算活动时长、写转移记录、进入新节点
// 只修改内存状态并累积待落账记录，真正的提交发生在调用方的 Append 之后
func (e *Engine) step(ins *instance, t definition.CompiledTransition, eventID string, payload map[string]any, records []types.TransitionRecord, busEvents []event.Event) ([]types.TransitionRecord, []event.Event) {
	now := time.Now()

	records, busEvents = e.closeActivity(ins, eventID, now, records, busEvents)
	ins.mergeAttrs(payload)

	target := ins.def.Nodes[t.Target]
	label := t.Label
	if label == "" {
		label = target.Label
	}
	rec := types.TransitionRecord{
		ID:       uuid.NewString(),
		EntityID: ins.id,
		Seq:      ins.nextSeq(),
		Kind:     types.RecordState,
		From:     ins.node,
		To:       t.Target,
		EventID:  eventID,
		Label:    label,
		Outcome:  types.OutcomeCompleted,
		Ts:       now,
	}
	records = append(records, rec)
	busEvents = append(busEvents, event.Event{Type: event.TransitionApplied, EntityID: ins.id, Record: &rec})

	ins.node = t.Target
	ins.status = types.StatusActive

	if target.Kind == types.NodeActivity {
		running := types.TransitionRecord{
			ID:       uuid.NewString(),
			EntityID: ins.id,
			Seq:      ins.nextSeq(),
			Kind:     types.RecordActivity,
			To:       t.Target,
			EventID:  eventID,
			Label:    target.Label,
			Outcome:  types.OutcomeRunning,
			Ts:       now,
		}
		records = append(records, running)
		busEvents = append(busEvents, event.Event{Type: event.ActivityStarted, EntityID: ins.id, Record: &running})
		ins.activitySince = now
	}

	if target.Kind.IsTerminal() {
		ins.status = types.StatusCompleted
		ins.archived = true
		busEvents = append(busEvents, event.Event{Type: event.EntityArchived, EntityID: ins.id})
	}
	return records, busEvents
}

// closeActivity 结算当前活动节点的 running 记录
// 账本只追加：完成不改写开始记录，而是补一条带实测时长的 completed 记录
func (e *Engine) closeActivity(ins *instance, eventID string, now time.Time, records []types.TransitionRecord, busEvents []event.Event) ([]types.TransitionRecord, []event.Event) {
	if ins.activitySince.IsZero() {
		return records, busEvents
	}
	node := ins.def.Nodes[ins.node]
	done := types.TransitionRecord{
		ID:       uuid.NewString(),
		EntityID: ins.id,
		Seq:      ins.nextSeq(),
		Kind:     types.RecordActivity,
		To:       ins.node,
		EventID:  eventID,
		Label:    node.Label,
		Outcome:  types.OutcomeCompleted,
		Duration: now.Sub(ins.activitySince),
		Ts:       now,
	}
	ins.activitySince = time.Time{}
	records = append(records, done)
	busEvents = append(busEvents, event.Event{Type: event.ActivityCompleted, EntityID: ins.id, Record: &done})
	return records, busEvents
}

// holdStep 把实体路由到定义指定的 Hold 节点并标记为错误状态
// 一份有缺陷的定义只影响自己的实体，绝不让引擎停摆
func (e *Engine) holdStep(ins *instance, eventID, detail string, records []types.TransitionRecord, busEvents []event.Event) ([]types.TransitionRecord, []event.Event) {
	now := time.Now()
	ins.activitySince = time.Time{}
	hold := ins.def.Def.HoldNode

	rec := types.TransitionRecord{
		ID:       uuid.NewString(),
		EntityID: ins.id,
		Seq:      ins.nextSeq(),
		EventID:  eventID,
		Outcome:  types.OutcomeFailed,
		Detail:   string(types.ReasonAmbiguousGuard) + ": " + detail,
		Ts:       now,
	}
	rec.Kind = types.RecordState
	rec.From = ins.node
	if hold != "" {
		rec.To = hold
		rec.Label = ins.def.Nodes[hold].Label
		ins.node = hold
	} else {
		// 定义没有指定 Hold 节点时原地置错
		rec.To = ins.node
		rec.Label = ins.def.Nodes[ins.node].Label
	}
	ins.status = types.StatusError

	records = append(records, rec)
	busEvents = append(busEvents, event.Event{Type: event.EntityHeld, EntityID: ins.id, Record: &rec, Reason: types.ReasonAmbiguousGuard})
	return records, busEvents
}

// holdEntity 是事件解析阶段的 Hold 路由：独立成账并立即提交
func (e *Engine) holdEntity(ctx context.Context, ins *instance, eventID, detail string) types.Decision {
	cp := saveCheckpoint(ins)
	records, busEvents := e.holdStep(ins, eventID, detail, nil, nil)
	if err := e.ledger.Append(ctx, records...); err != nil {
		restoreCheckpoint(ins, cp)
		e.logger.Error("Hold 路由落账失败", "entity_id", ins.id, "error", err)
		return types.Decision{Status: types.DecisionRejected, Reason: types.ReasonStorageUnavailable, EntityID: ins.id, Detail: err.Error()}
	}
	e.publish(ins, busEvents)
	return e.decision(ins, types.DecisionRejected, types.ReasonAmbiguousGuard, detail)
}

// audit 为被拒绝的事件补一条告警审计记录
// 审计失败只记日志，不影响拒绝结论
func (e *Engine) audit(ctx context.Context, ins *instance, ev types.IncomingEvent, reason types.Reason, detail string) {
	rec := types.TransitionRecord{
		ID:       uuid.NewString(),
		EntityID: ins.id,
		Seq:      ins.nextSeq(),
		Kind:     types.RecordAlert,
		EventID:  ev.IdempotencyKey,
		Label:    ev.Kind,
		Outcome:  types.OutcomeFailed,
		Detail:   string(reason) + ": " + detail,
		Ts:       time.Now(),
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.logger.Error("审计记录落账失败", "entity_id", ins.id, "error", err)
		return
	}
	view := ins.snapshot()
	e.bus.Publish(event.Event{Type: event.EventRejected, EntityID: ins.id, Entity: &view, Record: &rec, Reason: reason})
}

// publish 在提交成功后补上实体快照并发布事件
func (e *Engine) publish(ins *instance, busEvents []event.Event) {
	view := ins.snapshot()
	for _, be := range busEvents {
		be.Entity = &view
		e.bus.Publish(be)
	}
}

// decision 构造带实体权威状态的处理结论，调用方必须持有实例锁
func (e *Engine) decision(ins *instance, status types.DecisionStatus, reason types.Reason, detail string) types.Decision {
	return types.Decision{
		Status:       status,
		Reason:       reason,
		EntityID:     ins.id,
		Node:         ins.node,
		EntityStatus: ins.status,
		Detail:       detail,
	}
}

// View 返回实体的只读快照
func (e *Engine) View(entityID string) (types.EntityView, bool) {
	e.mu.RLock()
	ins, ok := e.instances[entityID]
	e.mu.RUnlock()
	if !ok {
		return types.EntityView{}, false
	}
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.snapshot(), true
}

// Exists 判断实体是否已被引擎追踪
func (e *Engine) Exists(entityID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.instances[entityID]
	return ok
}

// ActiveEntities 返回某定义下所有处于活动状态的实体 ID
func (e *Engine) ActiveEntities(definitionID string) []string {
	e.mu.RLock()
	instances := make([]*instance, 0, len(e.instances))
	for _, ins := range e.instances {
		instances = append(instances, ins)
	}
	e.mu.RUnlock()

	var out []string
	for _, ins := range instances {
		ins.mu.Lock()
		if ins.def.Def.ID == definitionID && ins.status == types.StatusActive && !ins.archived {
			out = append(out, ins.id)
		}
		ins.mu.Unlock()
	}
	return out
}

// Restore 从账本回放记录重建实体实例
// 在系统启动时调用；实体的动态属性不随账本恢复
func (e *Engine) Restore(records []types.TransitionRecord) {
	byEntity := make(map[string][]types.TransitionRecord)
	var order []string
	for _, r := range records {
		if _, seen := byEntity[r.EntityID]; !seen {
			order = append(order, r.EntityID)
		}
		byEntity[r.EntityID] = append(byEntity[r.EntityID], r)
	}

	for _, id := range order {
		ins := e.refold(id, byEntity[id])
		if ins == nil {
			continue
		}
		e.mu.Lock()
		e.instances[id] = ins
		e.mu.Unlock()
		e.logger.Info("实体已从账本恢复", "entity_id", id, "node", ins.node, "status", ins.status)
	}
}

// refold 把单个实体的记录折叠回实例状态
func (e *Engine) refold(id string, records []types.TransitionRecord) *instance {
	if len(records) == 0 {
		return nil
	}
	creation := records[0]
	if creation.Kind != types.RecordState || creation.From != "" {
		e.logger.Warn("账本缺少创建记录，跳过实体", "entity_id", id)
		return nil
	}
	defID, defVersion, ok := strings.Cut(creation.Detail, "@")
	if !ok {
		e.logger.Warn("创建记录缺少定义标识，跳过实体", "entity_id", id)
		return nil
	}
	def, err := e.defs.Get(defID, defVersion)
	if err != nil {
		e.logger.Warn("实体绑定的定义不存在，跳过实体", "entity_id", id, "definition_id", defID, "version", defVersion)
		return nil
	}

	ins := newInstance(id, def, creation.Ts)
	for _, r := range records {
		if r.Seq > ins.seq {
			ins.seq = r.Seq
		}
		switch r.Kind {
		case types.RecordState:
			if r.To != "" {
				ins.node = r.To
			}
			if r.Outcome == types.OutcomeFailed {
				ins.status = types.StatusError
			} else {
				ins.status = types.StatusActive
			}
		case types.RecordActivity:
			if r.Outcome == types.OutcomeRunning {
				ins.activitySince = r.Ts
			} else {
				ins.activitySince = time.Time{}
			}
		}
	}
	if def.Nodes[ins.node].Kind.IsTerminal() && ins.status != types.StatusError {
		ins.status = types.StatusCompleted
		ins.archived = true
	}
	return ins
}
