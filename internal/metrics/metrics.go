package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// EventsTotal 计数器：事件入口处理的事件总数
	// 按结论 (accepted/rejected) 和原因码分类
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fecp_ingress_events_total",
		Help: "The total number of events processed by the ingress",
	}, []string{"status", "reason"})

	// TransitionsTotal 计数器：成功应用的转移总数
	// 按定义 ID 分类，用于观察各工作流的吞吐
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fecp_engine_transitions_total",
		Help: "The total number of transitions applied by the engine",
	}, []string{"definition_id"})

	// ActiveEntities 仪表盘：当前处于活动状态的实体数量
	ActiveEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fecp_engine_active_entities",
		Help: "The number of entities currently active in the engine",
	})

	// LedgerAppendDuration 直方图：账本追加耗时分布
	// 追加是入口路径上唯一的阻塞点，需要盯它的尾延迟
	LedgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fecp_ledger_append_duration_seconds",
		Help:    "Time spent appending records to the history ledger",
		Buckets: prometheus.DefBuckets,
	})

	// ActivityDuration 直方图：活动节点的执行时长分布
	// 按活动标签分类，用于分析各工序的耗时瓶颈
	ActivityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fecp_engine_activity_duration_seconds",
		Help:    "Time entities spend inside activity nodes",
		Buckets: prometheus.DefBuckets,
	}, []string{"activity"})

	// DeadLetterTotal 计数器：进入死信区的事件总数
	DeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fecp_ingress_dead_letter_total",
		Help: "The total number of events parked in the dead letter file",
	})
)
