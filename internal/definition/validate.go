package definition

import (
	"fmt"

	"github.com/JasonSnail/FECP/internal/guard"
	"github.com/JasonSnail/FECP/internal/types"
)

// ValidationError 表示定义违反了结构不变量，在发布时被拒绝
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition (%s): %s", e.Field, e.Msg)
}

// Validate 校验一份定义并构建其执行期索引
// 不变量：
//   - 节点 id 唯一，恰好一个入口节点 (start/initial)
//   - 每条转移的 source/target 都指向存在的节点
//   - 每个非入口节点都能从入口节点沿有向路径到达（允许环）
//   - decision 节点至少有两条出边
//   - 终结节点 (end/final) 没有出边
//   - 所有守卫表达式可编译
//   - hold_node 若指定则必须存在
func Validate(def types.WorkflowDefinition) (*Compiled, error) {
	if def.ID == "" {
		return nil, &ValidationError{Field: "id", Msg: "definition id is required"}
	}
	if def.Version == "" {
		return nil, &ValidationError{Field: "version", Msg: "definition version is required"}
	}
	if def.Category != types.CategoryLogic && def.Category != types.CategoryFSM {
		return nil, &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", def.Category)}
	}
	if len(def.Nodes) == 0 {
		return nil, &ValidationError{Field: "nodes", Msg: "definition has no nodes"}
	}

	nodes := make(map[string]types.Node, len(def.Nodes))
	start := ""
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, &ValidationError{Field: "nodes", Msg: "node id is required"}
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, &ValidationError{Field: "nodes", Msg: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		nodes[n.ID] = n
		if n.Kind.IsStart() {
			if start != "" {
				return nil, &ValidationError{Field: "nodes", Msg: "definition has more than one start/initial node"}
			}
			start = n.ID
		}
	}
	if start == "" {
		return nil, &ValidationError{Field: "nodes", Msg: "definition has no start/initial node"}
	}

	outgoing := make(map[string][]CompiledTransition)
	for _, t := range def.Transitions {
		src, ok := nodes[t.Source]
		if !ok {
			return nil, &ValidationError{Field: "transitions", Msg: fmt.Sprintf("transition %q references unknown source %q", t.ID, t.Source)}
		}
		if _, ok := nodes[t.Target]; !ok {
			return nil, &ValidationError{Field: "transitions", Msg: fmt.Sprintf("transition %q references unknown target %q", t.ID, t.Target)}
		}
		if src.Kind.IsTerminal() {
			return nil, &ValidationError{Field: "transitions", Msg: fmt.Sprintf("terminal node %q must not have outgoing transitions", t.Source)}
		}
		program, err := guard.Compile(t.Guard)
		if err != nil {
			return nil, &ValidationError{Field: "transitions", Msg: fmt.Sprintf("transition %q: %v", t.ID, err)}
		}
		outgoing[t.Source] = append(outgoing[t.Source], CompiledTransition{Transition: t, Guard: program})
	}

	for id, n := range nodes {
		if n.Kind == types.NodeDecision && len(outgoing[id]) < 2 {
			return nil, &ValidationError{Field: "transitions", Msg: fmt.Sprintf("decision node %q needs at least two outgoing transitions", id)}
		}
	}

	if def.HoldNode != "" {
		if _, ok := nodes[def.HoldNode]; !ok {
			return nil, &ValidationError{Field: "hold_node", Msg: fmt.Sprintf("hold node %q does not exist", def.HoldNode)}
		}
	}

	// 从入口节点做可达性遍历，容忍环路
	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range outgoing[cur] {
			if !reached[t.Target] {
				reached[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	for id := range nodes {
		if !reached[id] {
			return nil, &ValidationError{Field: "nodes", Msg: fmt.Sprintf("node %q is unreachable from %q", id, start)}
		}
	}

	return &Compiled{Def: def, Nodes: nodes, Outgoing: outgoing, Start: start}, nil
}
