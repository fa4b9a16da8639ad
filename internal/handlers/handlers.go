package handlers

import (
	"log/slog"

	"github.com/JasonSnail/FECP/internal/event"
	"github.com/JasonSnail/FECP/internal/metrics"
	"github.com/JasonSnail/FECP/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，把监控、前端推送、审计日志等关注点与引擎解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 成功转移计数，按定义分类
	bus.Subscribe(event.TransitionApplied, func(e event.Event) {
		if e.Entity != nil {
			metrics.TransitionsTotal.WithLabelValues(e.Entity.DefinitionID).Inc()
		}
	})
	// 实体创建/归档时维护活动实体仪表盘
	bus.Subscribe(event.EntityCreated, func(e event.Event) {
		metrics.ActiveEntities.Inc()
	})
	bus.Subscribe(event.EntityArchived, func(e event.Event) {
		metrics.ActiveEntities.Dec()
	})
	// 活动完成时记录工序耗时
	bus.Subscribe(event.ActivityCompleted, func(e event.Event) {
		if e.Record != nil {
			metrics.ActivityDuration.WithLabelValues(e.Record.Label).Observe(e.Record.Duration.Seconds())
		}
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	// 任何状态变更都把最新实体视图推给图形渲染层
	for _, t := range []event.Type{
		event.EntityCreated,
		event.TransitionApplied,
		event.ActivityStarted,
		event.ActivityCompleted,
		event.EntityHeld,
		event.EntityArchived,
	} {
		bus.Subscribe(t, func(e event.Event) {
			st.UpdateEntity(e.Entity, e.Record)
		})
	}

	// --- 审计日志处理器 (Audit Handler) ---
	bus.Subscribe(event.EventRejected, func(e event.Event) {
		logger.Warn("事件被拒绝", "entity_id", e.EntityID, "reason", e.Reason)
	})
	bus.Subscribe(event.EntityHeld, func(e event.Event) {
		logger.Error("实体进入 Hold", "entity_id", e.EntityID, "reason", e.Reason)
	})
	bus.Subscribe(event.EntityArchived, func(e event.Event) {
		logger.Info("实体已归档", "entity_id", e.EntityID)
	})
}
