package ingress

import (
	"github.com/JasonSnail/FECP/internal/types"
)

// item 是待分发队列中的元素，包装了事件及其结果通道
type item struct {
	event   types.IncomingEvent
	arrival uint64              // 入口分配的全局到达序号
	result  chan types.Decision // 处理结论回传通道，容量为 1
	index   int                 // 元素在堆中的索引
}

// pendingQueue 实现了 heap.Interface 接口，按到达序号出队
// 堆中同一实体至多一个元素（后到者在实体的等待链上排队），
// 实体内顺序由到达序保证，与客户端时间戳无关，乱序投递下引擎仍然确定
type pendingQueue []*item

func (pq pendingQueue) Len() int { return len(pq) }

// Less 定义了元素的排序规则：先到先出
func (pq pendingQueue) Less(i, j int) bool {
	return pq[i].arrival < pq[j].arrival
}

// Swap 交换两个元素的位置
func (pq pendingQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push 向队列中添加元素
func (pq *pendingQueue) Push(x interface{}) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}

// Pop 从队列中移除并返回到达最早的元素
func (pq *pendingQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
