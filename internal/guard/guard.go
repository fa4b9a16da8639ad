package guard

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// EntityContext 是守卫表达式可见的实体上下文
type EntityContext struct {
	ID     string
	Node   string
	Status string
	Attrs  map[string]any
}

// Env 构造守卫表达式的求值环境
// 表达式可以访问 event (事件负载) 和 entity (实体上下文) 两个变量，
// 字段一律小写，和定义文件里的写法保持一致
func Env(payload map[string]any, entity EntityContext) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	attrs := entity.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"event": payload,
		"entity": map[string]any{
			"id":     entity.ID,
			"node":   entity.Node,
			"status": entity.Status,
			"attrs":  attrs,
		},
	}
}

// Program 是一条编译后的守卫表达式
// 在定义发布时编译，运行期只做求值，表达式错误不可能逃到转移时刻
type Program struct {
	Source   string
	compiled *vm.Program
}

// Compile 编译守卫表达式
// 空表达式表示无条件放行，返回 nil Program
func Compile(source string) (*Program, error) {
	if source == "" {
		return nil, nil
	}
	sample := Env(map[string]any{}, EntityContext{})
	compiled, err := expr.Compile(source, expr.Env(sample), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("guard compilation failed: %w", err)
	}
	return &Program{Source: source, compiled: compiled}, nil
}

// Eval 对守卫求值
// nil Program 视为恒真；非布尔结果视为求值错误
func (p *Program) Eval(payload map[string]any, entity EntityContext) (bool, error) {
	if p == nil {
		return true, nil
	}
	result, err := expr.Run(p.compiled, Env(payload, entity))
	if err != nil {
		return false, fmt.Errorf("guard execution failed: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("guard result is not a boolean")
	}
	return ok, nil
}
