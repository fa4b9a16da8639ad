package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonSnail/FECP/internal/api"
	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/engine"
	"github.com/JasonSnail/FECP/internal/event"
	"github.com/JasonSnail/FECP/internal/handlers"
	"github.com/JasonSnail/FECP/internal/ingress"
	"github.com/JasonSnail/FECP/internal/ledger"
	"github.com/JasonSnail/FECP/internal/query"
	"github.com/JasonSnail/FECP/internal/types"
	"github.com/JasonSnail/FECP/internal/web"
)

// startApp 按 main 的装配顺序拉起整套系统，返回对外的 HTTP 服务
func startApp(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	hub := web.NewHub()
	go hub.Run()
	tracker := web.NewStateTracker(hub)
	bus := event.NewBus()

	wal, err := ledger.NewWAL(filepath.Join(t.TempDir(), "ledger.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	retryLedger := ingress.NewRetryLedger(wal, 500*time.Millisecond)

	defs := definition.NewStore(logger)
	require.NoError(t, defs.LoadDir(filepath.Join("..", "definitions")))

	dl, err := ingress.NewDeadLetter(filepath.Join(t.TempDir(), "deadletter.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	eng := engine.NewEngine(defs, retryLedger, bus, logger)
	ing := ingress.NewIngress(eng, dl, 4, logger)
	handlers.RegisterEventHandlers(bus, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ing.Start(ctx)

	querySvc := query.NewService(eng, wal, defs)
	srv := httptest.NewServer(api.NewServer(ing, querySvc, defs, hub, tracker, logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postEvent(t *testing.T, srv *httptest.Server, ev types.IncomingEvent) (int, types.Decision) {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decision types.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	return resp.StatusCode, decision
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// TestCarrierLifecycleOverHTTP 完整跑一遍载具从到站到完成的生命周期
func TestCarrierLifecycleOverHTTP(t *testing.T) {
	srv := startApp(t)

	carrierID := "F12345"
	steps := []struct {
		kind     string
		payload  map[string]any
		wantNode string
	}{
		{"CarrierArrived", nil, "s1"},
		{"Dock_Complete", nil, "s2"},
		// slotmap 校验通过后自动判定，直接推进到装载节点
		{"ID_Read", map[string]any{"slotmap_ok": true}, "s4"},
		{"Process_End", nil, "s6"},
		{"Cool_Done", nil, "s7"},
	}

	for i, step := range steps {
		code, decision := postEvent(t, srv, types.IncomingEvent{
			EntityID:       carrierID,
			Kind:           step.kind,
			Payload:        step.payload,
			IdempotencyKey: fmt.Sprintf("%s-%d", carrierID, i),
		})
		require.Equal(t, http.StatusAccepted, code, "step %d (%s)", i, step.kind)
		assert.Equal(t, step.wantNode, decision.Node, "step %d (%s)", i, step.kind)
	}

	// 终态后实体归档，后续事件 409
	code, decision := postEvent(t, srv, types.IncomingEvent{
		EntityID:       carrierID,
		Kind:           "Dock_Complete",
		IdempotencyKey: "after-final",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, types.ReasonEntityArchived, decision.Reason)

	// 时间线完整落账
	var timeline struct {
		Records []types.TransitionRecord `json:"records"`
	}
	code = getJSON(t, srv.URL+"/api/timeline/"+carrierID, &timeline)
	require.Equal(t, http.StatusOK, code)
	transitions := 0
	for _, r := range timeline.Records {
		if r.Kind == types.RecordState && r.From != "" {
			transitions++
		}
	}
	assert.Equal(t, 5, transitions)
}

func TestHoldAndManualReleaseOverHTTP(t *testing.T) {
	srv := startApp(t)

	carrierID := "F54321"
	events := []types.IncomingEvent{
		{EntityID: carrierID, Kind: "CarrierArrived", IdempotencyKey: "h1"},
		{EntityID: carrierID, Kind: "Dock_Complete", IdempotencyKey: "h2"},
		{EntityID: carrierID, Kind: "ID_Read", Payload: map[string]any{"slotmap_ok": false}, IdempotencyKey: "h3"},
	}
	for _, ev := range events {
		code, _ := postEvent(t, srv, ev)
		require.Equal(t, http.StatusAccepted, code)
	}

	var view types.EntityView
	code := getJSON(t, srv.URL+"/api/state/"+carrierID, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s5", view.Node)

	// Hold 节点上无效事件被拒，状态不动
	code, decision := postEvent(t, srv, types.IncomingEvent{
		EntityID: carrierID, Kind: "Process_End", IdempotencyKey: "h4",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, types.ReasonNoMatchingTransition, decision.Reason)

	code, decision = postEvent(t, srv, types.IncomingEvent{
		EntityID: carrierID, Kind: "Manual_Release", IdempotencyKey: "h5",
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "s7", decision.Node)
	assert.Equal(t, types.StatusCompleted, decision.EntityStatus)
}

func TestUnknownCarrierRejectedOverHTTP(t *testing.T) {
	srv := startApp(t)

	code, decision := postEvent(t, srv, types.IncomingEvent{
		EntityID: "F99999", Kind: "Process_End", IdempotencyKey: "u1",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, types.ReasonUnknownEntity, decision.Reason)

	// 幽灵载具不留任何痕迹
	var timeline struct {
		Records []types.TransitionRecord `json:"records"`
	}
	getJSON(t, srv.URL+"/api/timeline/F99999", &timeline)
	assert.Empty(t, timeline.Records)

	code = getJSON(t, srv.URL+"/api/state/F99999", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestIdempotentResubmitOverHTTP(t *testing.T) {
	srv := startApp(t)

	ev := types.IncomingEvent{EntityID: "F12345", Kind: "CarrierArrived", IdempotencyKey: "dup-1"}
	code, first := postEvent(t, srv, ev)
	require.Equal(t, http.StatusAccepted, code)

	code, second := postEvent(t, srv, ev)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, first, second)

	var timeline struct {
		Records []types.TransitionRecord `json:"records"`
	}
	getJSON(t, srv.URL+"/api/timeline/F12345", &timeline)
	assert.Len(t, timeline.Records, 1)
}

func TestDefinitionPublishAndFetchOverHTTP(t *testing.T) {
	srv := startApp(t)

	def := types.WorkflowDefinition{
		ID:       "fsm-oven-curing",
		Version:  "1.0.0",
		Name:     "Oven Curing",
		Category: types.CategoryFSM,
		CreateOn: "Oven_Loaded",
		Nodes: []types.Node{
			{ID: "loaded", Kind: types.NodeInitial, Label: "Loaded"},
			{ID: "curing", Kind: types.NodeState, Label: "Curing"},
			{ID: "done", Kind: types.NodeFinal, Label: "Done"},
		},
		Transitions: []types.Transition{
			{ID: "t1", Source: "loaded", Target: "curing", Event: "Cure_Start"},
			{ID: "t2", Source: "curing", Target: "done", Event: "Cure_End"},
		},
	}
	body, err := json.Marshal(def)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/definitions", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var fetched types.WorkflowDefinition
	code := getJSON(t, srv.URL+"/api/definitions/fsm-oven-curing/1.0.0", &fetched)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, def.ID, fetched.ID)
	assert.Len(t, fetched.Nodes, 3)

	// 新定义立即可用
	code, decision := postEvent(t, srv, types.IncomingEvent{
		EntityID: "OVEN-001", Kind: "Oven_Loaded", IdempotencyKey: "o1",
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "loaded", decision.Node)

	// 结构缺陷的定义被拒收
	def.ID = "fsm-broken"
	def.Transitions[0].Target = "nowhere"
	body, _ = json.Marshal(def)
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/definitions", bytes.NewReader(body))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDiagnosticsContextOverHTTP(t *testing.T) {
	srv := startApp(t)

	carrierID := "F12345"
	for i, kind := range []string{"CarrierArrived", "Dock_Complete"} {
		code, _ := postEvent(t, srv, types.IncomingEvent{
			EntityID: carrierID, Kind: kind, IdempotencyKey: fmt.Sprintf("d%d", i),
		})
		require.Equal(t, http.StatusAccepted, code)
	}

	var ctx struct {
		State        types.EntityView         `json:"state"`
		RecentEvents []types.TransitionRecord `json:"recentEvents"`
	}
	code := getJSON(t, srv.URL+"/api/context/"+carrierID+"?limit=1", &ctx)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s2", ctx.State.Node)
	assert.Len(t, ctx.RecentEvents, 1)
}

func TestActiveEntitiesOverHTTP(t *testing.T) {
	srv := startApp(t)

	for i, id := range []string{"F10001", "F10002", "F10003"} {
		code, _ := postEvent(t, srv, types.IncomingEvent{
			EntityID: id, Kind: "CarrierArrived", IdempotencyKey: fmt.Sprintf("a%d", i),
		})
		require.Equal(t, http.StatusAccepted, code)
	}

	var out struct {
		DefinitionID string   `json:"definitionId"`
		Entities     []string `json:"entities"`
	}
	code := getJSON(t, srv.URL+"/api/active?definitionId=fsm-foup-standard", &out)
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []string{"F10001", "F10002", "F10003"}, out.Entities)
}
