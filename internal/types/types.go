package types

import (
	"time"
)

// Category 定义工作流定义的类别
// logic 表示设备逻辑工作流，fsm 表示物料生命周期状态机
type Category string

const (
	CategoryLogic Category = "logic"
	CategoryFSM   Category = "fsm"
)

// NodeKind 定义节点类型
// logic 类别使用 start/activity/decision/end，fsm 类别使用 initial/state/final
type NodeKind string

const (
	NodeStart    NodeKind = "start"
	NodeActivity NodeKind = "activity"
	NodeDecision NodeKind = "decision"
	NodeEnd      NodeKind = "end"
	NodeInitial  NodeKind = "initial"
	NodeState    NodeKind = "state"
	NodeFinal    NodeKind = "final"
)

// IsStart 判断节点是否为流程入口
func (k NodeKind) IsStart() bool { return k == NodeStart || k == NodeInitial }

// IsTerminal 判断节点是否为终结节点
func (k NodeKind) IsTerminal() bool { return k == NodeEnd || k == NodeFinal }

// Node 定义工作流中的一个节点
type Node struct {
	ID    string   `mapstructure:"id" yaml:"id" json:"id"`
	Kind  NodeKind `mapstructure:"kind" yaml:"kind" json:"kind"`
	Label string   `mapstructure:"label" yaml:"label" json:"label"`
}

// Transition 定义节点之间的一条转移
// Event 为空表示自动转移（无事件触发），Guard 为空表示无条件放行
type Transition struct {
	ID     string `mapstructure:"id" yaml:"id" json:"id"`
	Source string `mapstructure:"source" yaml:"source" json:"source"`
	Target string `mapstructure:"target" yaml:"target" json:"target"`
	Event  string `mapstructure:"event,omitempty" yaml:"event,omitempty" json:"event,omitempty"`
	Guard  string `mapstructure:"guard,omitempty" yaml:"guard,omitempty" json:"guard,omitempty"`
	Label  string `mapstructure:"label,omitempty" yaml:"label,omitempty" json:"label,omitempty"`
}

// WorkflowDefinition 定义一个完整的工作流/状态机
// 由 (ID, Version) 唯一标识，发布后不可变更
type WorkflowDefinition struct {
	ID          string       `mapstructure:"id" yaml:"id" json:"id"`
	Version     string       `mapstructure:"version" yaml:"version" json:"version"`
	Name        string       `mapstructure:"name" yaml:"name" json:"name"`
	Category    Category     `mapstructure:"category" yaml:"category" json:"category"`
	CreateOn    string       `mapstructure:"create_on" yaml:"create_on" json:"createOn"`
	HoldNode    string       `mapstructure:"hold_node,omitempty" yaml:"hold_node,omitempty" json:"holdNode,omitempty"`
	Nodes       []Node       `mapstructure:"nodes" yaml:"nodes" json:"nodes"`
	Transitions []Transition `mapstructure:"transitions" yaml:"transitions" json:"transitions"`
}

// EntityStatus 定义被追踪实体（载具/批次）的状态
type EntityStatus string

const (
	StatusPending   EntityStatus = "Pending"
	StatusActive    EntityStatus = "Active"
	StatusCompleted EntityStatus = "Completed"
	StatusError     EntityStatus = "Error"
)

// EntityView 是实体实例的只读快照，供查询层和前端使用
// 实体的权威状态由执行引擎独占持有，外部只能拿到快照
type EntityView struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion string         `json:"definitionVersion"`
	Node              string         `json:"node"`
	Status            EntityStatus   `json:"status"`
	Archived          bool           `json:"archived"`
	Attrs             map[string]any `json:"attrs,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// RecordKind 定义账本记录的类别，对应时间线上的三种条目
type RecordKind string

const (
	RecordState    RecordKind = "state"
	RecordActivity RecordKind = "activity"
	RecordAlert    RecordKind = "alert"
)

// Outcome 定义账本记录的结果
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRunning   Outcome = "running"
	OutcomeFailed    Outcome = "failed"
)

// TransitionRecord 是历史账本中的一条记录，写入后不可修改
// 账本是时间线重建的唯一事实来源，按 (Timestamp, Seq) 排序
type TransitionRecord struct {
	ID       string        `json:"id"`
	EntityID string        `json:"entityId"`
	Seq      uint64        `json:"seq"`
	Kind     RecordKind    `json:"kind"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	EventID  string        `json:"eventId,omitempty"`
	Label    string        `json:"label,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Ts       time.Time     `json:"ts"`
}

// IncomingEvent 是设备适配器提交的原始事件
// IdempotencyKey 保证同一事件重复投递时最多生效一次
type IncomingEvent struct {
	EntityID          string         `json:"entityId"`
	Kind              string         `json:"kind"`
	Payload           map[string]any `json:"payload,omitempty"`
	IdempotencyKey    string         `json:"idempotencyKey"`
	Timestamp         time.Time      `json:"timestamp"`
	DefinitionID      string         `json:"definitionId,omitempty"`
	DefinitionVersion string         `json:"definitionVersion,omitempty"`
}

// Reason 是机器可读的拒绝/错误原因码
type Reason string

const (
	ReasonUnknownEntity        Reason = "UnknownEntity"
	ReasonNoMatchingTransition Reason = "NoMatchingTransition"
	ReasonAmbiguousGuard       Reason = "AmbiguousGuard"
	ReasonEntityArchived       Reason = "EntityArchived"
	ReasonValidationError      Reason = "ValidationError"
	ReasonStorageUnavailable   Reason = "StorageUnavailable"
	ReasonNotFound             Reason = "NotFound"
)

// DecisionStatus 定义事件处理结论的状态
type DecisionStatus string

const (
	DecisionAccepted DecisionStatus = "accepted"
	DecisionRejected DecisionStatus = "rejected"
)

// Decision 是事件入口对一次提交的处理结论
// 拒绝时附带原因码和实体的当前权威状态，方便上层工具解释"为什么没有生效"
type Decision struct {
	Status       DecisionStatus `json:"status"`
	Reason       Reason         `json:"reason,omitempty"`
	EntityID     string         `json:"entityId,omitempty"`
	Node         string         `json:"node,omitempty"`
	EntityStatus EntityStatus   `json:"entityStatus,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}
