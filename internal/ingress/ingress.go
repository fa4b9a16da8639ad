package ingress

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/JasonSnail/FECP/internal/engine"
	"github.com/JasonSnail/FECP/internal/metrics"
	"github.com/JasonSnail/FECP/internal/types"
	"github.com/JasonSnail/FECP/internal/util"
)

// dedupEntry 是幂等表中的一项
// done 关闭前表示同 key 事件仍在处理，后到者等待并复用第一次的结论
type dedupEntry struct {
	done     chan struct{}
	decision types.Decision
}

// Ingress 是事件入口：校验、去重、排序，再分发给执行引擎
// 它维护一个按到达序出队的待处理队列，由固定数量的 worker 并发消费；
// 同一实体同一时刻至多一个事件在队列或 worker 中，后到者在实体链上排队，
// 前一个结清后按到达序逐个放行，实体内的应用顺序与到达顺序严格一致
type Ingress struct {
	engine     *engine.Engine
	deadLetter *DeadLetter
	logger     *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pq      pendingQueue
	arrival uint64
	busy    map[string]bool    // 实体 ID -> 是否有事件已入堆或在 worker 中
	waiting map[string][]*item // 实体 ID -> 在途事件之后的等待链 (FIFO)

	dedupMu sync.Mutex
	dedup   map[string]*dedupEntry // 幂等 key -> 处理结论

	maxWorkers int
	wg         sync.WaitGroup
}

// NewIngress 创建事件入口
func NewIngress(eng *engine.Engine, dl *DeadLetter, maxWorkers int, logger *slog.Logger) *Ingress {
	ing := &Ingress{
		engine:     eng,
		deadLetter: dl,
		logger:     logger.With("component", "ingress"),
		pq:         make(pendingQueue, 0),
		busy:       make(map[string]bool),
		waiting:    make(map[string][]*item),
		dedup:      make(map[string]*dedupEntry),
		maxWorkers: maxWorkers,
	}
	ing.cond = sync.NewCond(&ing.mu)
	return ing
}

// Submit 提交一个事件并等待处理结论
// 同一幂等 key 的重复提交返回第一次的结论，绝不重复施加效果；
// 调用方等待超时后应携带同一幂等 key 重试，而不是试图取消
func (ing *Ingress) Submit(ctx context.Context, ev types.IncomingEvent) (types.Decision, error) {
	if err := validate(ev); err != nil {
		metrics.EventsTotal.WithLabelValues(string(types.DecisionRejected), string(types.ReasonValidationError)).Inc()
		return types.Decision{
			Status:   types.DecisionRejected,
			Reason:   types.ReasonValidationError,
			EntityID: ev.EntityID,
			Detail:   err.Error(),
		}, nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// 幂等检查：第一个到达者占位，其余等待它的结论
	ing.dedupMu.Lock()
	if entry, ok := ing.dedup[ev.IdempotencyKey]; ok {
		ing.dedupMu.Unlock()
		select {
		case <-entry.done:
			ing.logger.Info("幂等命中，复用原结论", "idempotency_key", ev.IdempotencyKey, "entity_id", ev.EntityID)
			return entry.decision, nil
		case <-ctx.Done():
			return types.Decision{}, ctx.Err()
		}
	}
	entry := &dedupEntry{done: make(chan struct{})}
	ing.dedup[ev.IdempotencyKey] = entry
	ing.dedupMu.Unlock()

	it := ing.enqueue(ev)

	select {
	case decision := <-it.result:
		ing.settle(ev.IdempotencyKey, entry, decision)
		return decision, nil
	case <-ctx.Done():
		// 不支持取消在途转移：事件继续处理，结论留在幂等表里等待重试认领
		go func() {
			decision := <-it.result
			ing.settle(ev.IdempotencyKey, entry, decision)
		}()
		return types.Decision{}, ctx.Err()
	}
}

// enqueue 分配到达序号并入队，唤醒一个 worker
// 实体已有在途事件时进入该实体的等待链，不直接入堆
func (ing *Ingress) enqueue(ev types.IncomingEvent) *item {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	ing.arrival++
	it := &item{
		event:   ev,
		arrival: ing.arrival,
		result:  make(chan types.Decision, 1),
	}
	if ing.busy[ev.EntityID] {
		ing.waiting[ev.EntityID] = append(ing.waiting[ev.EntityID], it)
		return it
	}
	ing.busy[ev.EntityID] = true
	heap.Push(&ing.pq, it)
	ing.cond.Signal()
	return it
}

// release 结清实体的在途事件：等待链非空时放行下一个，否则清除占位
func (ing *Ingress) release(entityID string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	chain := ing.waiting[entityID]
	if len(chain) == 0 {
		delete(ing.busy, entityID)
		delete(ing.waiting, entityID)
		return
	}
	next := chain[0]
	ing.waiting[entityID] = chain[1:]
	heap.Push(&ing.pq, next)
	ing.cond.Signal()
}

// settle 落定幂等表：存储不可用的结论不缓存，给调用方留出重试空间
func (ing *Ingress) settle(key string, entry *dedupEntry, decision types.Decision) {
	if decision.Reason == types.ReasonStorageUnavailable {
		ing.dedupMu.Lock()
		delete(ing.dedup, key)
		ing.dedupMu.Unlock()
		close(entry.done)
		return
	}
	entry.decision = decision
	ing.dedupMu.Lock()
	ing.dedup[key] = entry
	ing.dedupMu.Unlock()
	close(entry.done)
}

// Start 启动分发循环和 worker 池
// 监听上下文取消信号，用于优雅停机
func (ing *Ingress) Start(ctx context.Context) {
	workerPool := make(chan struct{}, ing.maxWorkers)

	go func() {
		<-ctx.Done()
		ing.mu.Lock()
		ing.cond.Broadcast() // 唤醒所有等待的 worker 以便退出
		ing.mu.Unlock()
	}()

	for {
		ing.mu.Lock()
		for ing.pq.Len() == 0 {
			if ctx.Err() != nil {
				ing.mu.Unlock()
				return
			}
			ing.cond.Wait()
		}
		if ctx.Err() != nil {
			ing.mu.Unlock()
			return
		}
		it := heap.Pop(&ing.pq).(*item)
		ing.mu.Unlock()

		workerPool <- struct{}{}
		ing.wg.Add(1)

		go func(it *item) {
			defer ing.wg.Done()

			traceID := util.NewTraceID()
			taskCtx := util.ContextWithTraceID(context.Background(), traceID)

			decision := ing.process(taskCtx, it.event)
			ing.release(it.event.EntityID)
			it.result <- decision
			<-workerPool
		}(it)
	}
}

// process 把事件交给引擎，并处理存储不可用的善后
func (ing *Ingress) process(ctx context.Context, ev types.IncomingEvent) types.Decision {
	decision := ing.engine.Apply(ctx, ev)

	if decision.Reason == types.ReasonStorageUnavailable && ing.deadLetter != nil {
		if err := ing.deadLetter.Park(ev, decision.Detail); err != nil {
			ing.logger.Error("写入死信文件失败", "error", err, "entity_id", ev.EntityID)
		} else {
			metrics.DeadLetterTotal.Inc()
			ing.logger.Warn("事件已进入死信区", "entity_id", ev.EntityID, "kind", ev.Kind)
		}
	}

	metrics.EventsTotal.WithLabelValues(string(decision.Status), string(decision.Reason)).Inc()
	return decision
}

// WaitForCompletion 等待所有在途事件处理完成，用于优雅停机
func (ing *Ingress) WaitForCompletion() {
	ing.wg.Wait()
}

// SeedDedup 用账本回放的记录预热幂等表
// 重启后同 key 的重复投递仍然命中第一次的结论
func (ing *Ingress) SeedDedup(records []types.TransitionRecord) {
	ing.dedupMu.Lock()
	defer ing.dedupMu.Unlock()

	for _, r := range records {
		if r.EventID == "" {
			continue
		}
		if _, ok := ing.dedup[r.EventID]; ok {
			continue
		}
		entry := &dedupEntry{done: make(chan struct{})}
		if r.Kind == types.RecordAlert {
			reason, _, _ := strings.Cut(r.Detail, ":")
			entry.decision = types.Decision{
				Status:   types.DecisionRejected,
				Reason:   types.Reason(strings.TrimSpace(reason)),
				EntityID: r.EntityID,
			}
		} else {
			entry.decision = types.Decision{
				Status:   types.DecisionAccepted,
				EntityID: r.EntityID,
			}
		}
		close(entry.done)
		ing.dedup[r.EventID] = entry
	}
}

// validate 做纯语法校验，领域校验留给引擎
func validate(ev types.IncomingEvent) error {
	if ev.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	return nil
}
