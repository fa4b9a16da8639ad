package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/JasonSnail/FECP/internal/types"
	"github.com/JasonSnail/FECP/internal/util"
)

// client 是一个模拟的设备适配器：向执行核心的事件入口提交载具事件
// 真实部署中这里是 RFID 读头、机械手、工艺腔的驱动程序
type client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

func newClient(endpoint string, logger *slog.Logger) *client {
	return &client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// submit 提交一个事件并返回处理结论
// Trace ID 放进 HTTP Header，和核心的日志串成一条链路
func (c *client) submit(ctx context.Context, ev types.IncomingEvent) (*types.Decision, error) {
	body, _ := json.Marshal(ev)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/events", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		req.Header.Set(util.TraceHeader, traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("提交事件失败: %w", err)
	}
	defer resp.Body.Close()

	var decision types.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("解析结论失败: %w", err)
	}
	return &decision, nil
}

// carrierScript 是一个载具走完 FOUP 生命周期的事件脚本
func carrierScript(carrierID string, slotmapOK bool) []types.IncomingEvent {
	events := []types.IncomingEvent{
		{EntityID: carrierID, Kind: "CarrierArrived", Payload: map[string]any{"lot_id": "LOT-" + carrierID}},
		{EntityID: carrierID, Kind: "Dock_Complete"},
		{EntityID: carrierID, Kind: "ID_Read", Payload: map[string]any{"slotmap_ok": slotmapOK}},
	}
	if slotmapOK {
		events = append(events,
			types.IncomingEvent{EntityID: carrierID, Kind: "Process_End"},
			types.IncomingEvent{EntityID: carrierID, Kind: "Cool_Done"},
		)
	} else {
		events = append(events,
			types.IncomingEvent{EntityID: carrierID, Kind: "Manual_Release"},
		)
	}
	return events
}

// main 是适配器模拟器的入口：持续制造载具并推进它们的生命周期
func main() {
	endpoint := os.Getenv("FECP_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "adapter-sim")
	slog.SetDefault(logger)

	logger.Info("=== 设备适配器模拟器启动 ===", "endpoint", endpoint)

	c := newClient(endpoint, logger)
	ctx := context.Background()

	for i := 1; ; i++ {
		carrierID := fmt.Sprintf("F%05d", 12344+i)
		slotmapOK := rand.Float32() > 0.2 // 20% 概率槽位图校验失败
		traceID := util.NewTraceID()
		runCtx := util.ContextWithTraceID(ctx, traceID)
		runLogger := logger.With("carrier_id", carrierID, "trace_id", traceID)

		runLogger.Info("开始投递载具", "slotmap_ok", slotmapOK)
		for _, ev := range carrierScript(carrierID, slotmapOK) {
			ev.IdempotencyKey = fmt.Sprintf("%s-%s", carrierID, ev.Kind)
			ev.Timestamp = time.Now()

			decision, err := c.submit(runCtx, ev)
			if err != nil {
				runLogger.Error("事件投递失败", "kind", ev.Kind, "error", err)
				break
			}
			if decision.Status == types.DecisionRejected {
				runLogger.Warn("事件被拒绝", "kind", ev.Kind, "reason", decision.Reason, "node", decision.Node)
			} else {
				runLogger.Info("事件已接受", "kind", ev.Kind, "node", decision.Node)
			}
			time.Sleep(time.Duration(rand.Intn(500)+500) * time.Millisecond)
		}

		time.Sleep(3 * time.Second)
	}
}
