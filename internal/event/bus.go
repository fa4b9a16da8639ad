package event

import (
	"sync"

	"github.com/JasonSnail/FECP/internal/types"
)

// Type 定义引擎对外广播的事件类型
type Type string

const (
	EntityCreated     Type = "EntityCreated"     // 实体被创建并进入起始节点
	TransitionApplied Type = "TransitionApplied" // 一次转移成功应用
	ActivityStarted   Type = "ActivityStarted"   // 进入活动节点，活动开始计时
	ActivityCompleted Type = "ActivityCompleted" // 离开活动节点，活动带时长落账
	EventRejected     Type = "EventRejected"     // 事件被拒绝（带原因码）
	EntityHeld        Type = "EntityHeld"        // 守卫歧义，实体被路由到 Hold 节点
	EntityArchived    Type = "EntityArchived"    // 实体到达终结节点并归档
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     Type                    // 事件类型
	EntityID string                  // 关联的实体 ID
	Entity   *types.EntityView       // 实体快照（状态变更类事件携带）
	Record   *types.TransitionRecord // 关联的账本记录（如有）
	Reason   types.Reason            // 拒绝原因（仅 EventRejected / EntityHeld）
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
// 把执行引擎和监控、前端推送、审计日志等关注点解耦
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 异步执行处理器，避免单个处理器阻塞引擎的转移路径
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
