package definition

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStore_PublishAndGet(t *testing.T) {
	store := NewStore(testLogger())

	version, err := store.Publish(carrierDefinition())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)

	compiled, err := store.Get("fsm-test-carrier", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Test Carrier Lifecycle", compiled.Def.Name)

	_, err = store.Get("fsm-test-carrier", "9.9.9")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStore_RepublishSameVersionRejected(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.Publish(carrierDefinition())
	require.NoError(t, err)

	// 定义不可变：同一 (id, version) 不允许二次发布
	_, err = store.Publish(carrierDefinition())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStore_LatestPicksHighestVersion(t *testing.T) {
	store := NewStore(testLogger())

	v1 := carrierDefinition()
	_, err := store.Publish(v1)
	require.NoError(t, err)

	v2 := carrierDefinition()
	v2.Version = "1.1.0"
	v2.Name = "Test Carrier Lifecycle v2"
	_, err = store.Publish(v2)
	require.NoError(t, err)

	latest, err := store.Latest("fsm-test-carrier")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Def.Version)

	// 旧版本仍然可取，既有实体继续在旧版本下运行
	old, err := store.Get("fsm-test-carrier", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Test Carrier Lifecycle", old.Def.Name)
}

func TestStore_ByCreateEvent(t *testing.T) {
	store := NewStore(testLogger())
	_, err := store.Publish(carrierDefinition())
	require.NoError(t, err)

	compiled, ok := store.ByCreateEvent("CarrierArrived")
	require.True(t, ok)
	assert.Equal(t, "fsm-test-carrier", compiled.Def.ID)

	_, ok = store.ByCreateEvent("SomethingElse")
	assert.False(t, ok)
}

// TestStore_CreateEventOwnedByOneDefinition 创建事件类型在发布时绑定到
// 唯一的定义 id，另一个定义抢占同一类型会被拒绝，路由因此确定
func TestStore_CreateEventOwnedByOneDefinition(t *testing.T) {
	store := NewStore(testLogger())
	_, err := store.Publish(carrierDefinition())
	require.NoError(t, err)

	rival := carrierDefinition()
	rival.ID = "fsm-test-rival"
	_, err = store.Publish(rival)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "create_on", verr.Field)

	// 同一 id 的新版本沿用同一创建事件类型，反查命中最新版本
	v2 := carrierDefinition()
	v2.Version = "1.1.0"
	_, err = store.Publish(v2)
	require.NoError(t, err)

	compiled, ok := store.ByCreateEvent("CarrierArrived")
	require.True(t, ok)
	assert.Equal(t, "fsm-test-carrier", compiled.Def.ID)
	assert.Equal(t, "1.1.0", compiled.Def.Version)
}

func TestStore_LoadDir(t *testing.T) {
	dir := t.TempDir()
	content := `
id: fsm-yaml-test
version: 2.0.0
name: Yaml Loaded
category: fsm
create_on: Arrive
nodes:
  - { id: a, kind: initial, label: A }
  - { id: b, kind: final, label: B }
transitions:
  - { id: t1, source: a, target: b, event: Go }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "def.yaml"), []byte(content), 0644))
	// 坏文件只告警，不阻断其余文件
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{{"), 0644))

	store := NewStore(testLogger())
	require.NoError(t, store.LoadDir(dir))

	compiled, err := store.Get("fsm-yaml-test", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Yaml Loaded", compiled.Def.Name)
}
