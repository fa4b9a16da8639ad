package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_EmptyGuardIsAlwaysTrue(t *testing.T) {
	p, err := Compile("")
	require.NoError(t, err)
	require.Nil(t, p)

	ok, err := p.Eval(nil, EntityContext{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompile_RejectsBrokenExpression(t *testing.T) {
	_, err := Compile("== true")
	require.Error(t, err)
}

func TestEval_EventPayload(t *testing.T) {
	p, err := Compile("event.slotmap_ok == true")
	require.NoError(t, err)

	ok, err := p.Eval(map[string]any{"slotmap_ok": true}, EntityContext{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Eval(map[string]any{"slotmap_ok": false}, EntityContext{})
	require.NoError(t, err)
	assert.False(t, ok)

	// 负载缺字段按不命中处理，不报错
	ok, err = p.Eval(map[string]any{}, EntityContext{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEval_EntityContext(t *testing.T) {
	p, err := Compile(`entity.node == "docked" && entity.attrs.layers > 2`)
	require.NoError(t, err)

	ctx := EntityContext{
		ID:     "F12345",
		Node:   "docked",
		Status: "Active",
		Attrs:  map[string]any{"layers": 4},
	}
	ok, err := p.Eval(nil, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ctx.Node = "processing"
	ok, err = p.Eval(nil, ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
