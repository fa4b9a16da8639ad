package definition

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JasonSnail/FECP/internal/guard"
	"github.com/JasonSnail/FECP/internal/types"
)

// NotFoundError 表示请求的定义不存在
type NotFoundError struct {
	ID      string
	Version string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("definition %s@%s not found", e.ID, e.Version)
}

// Compiled 是一份发布后的定义及其预处理产物
// 节点索引、出边索引和编译后的守卫都在发布时构建，执行期只读
type Compiled struct {
	Def      types.WorkflowDefinition
	Nodes    map[string]types.Node
	Outgoing map[string][]CompiledTransition
	Start    string
}

// CompiledTransition 是一条带编译守卫的转移
type CompiledTransition struct {
	types.Transition
	Guard *guard.Program
}

// Store 是版本化的定义仓库
// 发布永远产生新版本，已发布的定义不可变，执行期读共享无需加锁
type Store struct {
	mu          sync.RWMutex
	defs        map[string]map[string]*Compiled // id -> version -> 定义
	createOwner map[string]string               // create_on 事件类型 -> 拥有它的定义 id
	logger      *slog.Logger
}

// NewStore 创建一个空的定义仓库
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		defs:        make(map[string]map[string]*Compiled),
		createOwner: make(map[string]string),
		logger:      logger.With("component", "definition_store"),
	}
}

// Publish 校验并发布一份定义，返回其版本号
// 校验失败返回 ValidationError 语义的错误，定义不会被存储
// 同一 (id, version) 重复发布会被拒绝，版本只增不改
func (s *Store) Publish(def types.WorkflowDefinition) (string, error) {
	compiled, err := Validate(def)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 一个创建事件类型只能属于一个定义 id，否则未知实体的路由不确定
	// 没有 create_on 的定义只能通过显式指定 (id, version) 创建实体
	if def.CreateOn != "" {
		if owner, claimed := s.createOwner[def.CreateOn]; claimed && owner != def.ID {
			return "", &ValidationError{Field: "create_on", Msg: fmt.Sprintf("creation event %q already owned by definition %s", def.CreateOn, owner)}
		}
	}

	versions, ok := s.defs[def.ID]
	if !ok {
		versions = make(map[string]*Compiled)
		s.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return "", &ValidationError{Field: "version", Msg: fmt.Sprintf("definition %s@%s already published", def.ID, def.Version)}
	}
	versions[def.Version] = compiled
	if def.CreateOn != "" {
		s.createOwner[def.CreateOn] = def.ID
	}

	s.logger.Info("定义已发布", "definition_id", def.ID, "version", def.Version, "nodes", len(def.Nodes))
	return def.Version, nil
}

// Get 按 (id, version) 获取一份已发布的定义
func (s *Store) Get(id, version string) (*Compiled, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if versions, ok := s.defs[id]; ok {
		if c, ok := versions[version]; ok {
			return c, nil
		}
	}
	return nil, &NotFoundError{ID: id, Version: version}
}

// Latest 返回某个定义 id 下版本号字典序最大的版本
// 供未显式指定版本的创建事件绑定定义使用
func (s *Store) Latest(id string) (*Compiled, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.defs[id]
	if !ok || len(versions) == 0 {
		return nil, &NotFoundError{ID: id, Version: "latest"}
	}
	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], nil
}

// ByCreateEvent 查找以指定事件类型作为创建触发器的定义
// 未知实体的创建事件靠这张反查表路由；事件类型在发布时就绑定到唯一的
// 定义 id，命中后取该 id 下声明此类型的最新版本
func (s *Store) ByCreateEvent(kind string) (*Compiled, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.createOwner[kind]
	if !ok {
		return nil, false
	}
	versions := s.defs[owner]
	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	for i := len(keys) - 1; i >= 0; i-- {
		c := versions[keys[i]]
		if c.Def.CreateOn == kind {
			return c, true
		}
	}
	return nil, false
}

// LoadDir 从目录加载所有 yaml 定义文件并发布
// 在系统启动时调用，单个文件失败不阻断其余文件
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("读取定义目录失败: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("读取定义文件失败", "file", name, "error", err)
			continue
		}
		var def types.WorkflowDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			s.logger.Warn("解析定义文件失败", "file", name, "error", err)
			continue
		}
		if _, err := s.Publish(def); err != nil {
			s.logger.Warn("发布定义失败", "file", name, "error", err)
		}
	}
	return nil
}
