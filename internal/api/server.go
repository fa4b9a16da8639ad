package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/ingress"
	"github.com/JasonSnail/FECP/internal/query"
	"github.com/JasonSnail/FECP/internal/types"
	"github.com/JasonSnail/FECP/internal/util"
	"github.com/JasonSnail/FECP/internal/web"
)

// Server 是执行核心的 HTTP 外观
// 三类消费者：设备适配器走事件入口，可视化层走查询接口和 WebSocket，
// 流程设计工具走定义接口；诊断助手只读 context 接口
type Server struct {
	ingress *ingress.Ingress
	query   *query.Service
	defs    *definition.Store
	hub     *web.Hub
	tracker *web.StateTracker
	logger  *slog.Logger
}

// NewServer 创建 API 服务
func NewServer(ing *ingress.Ingress, q *query.Service, defs *definition.Store, hub *web.Hub, tracker *web.StateTracker, logger *slog.Logger) *Server {
	return &Server{
		ingress: ing,
		query:   q,
		defs:    defs,
		hub:     hub,
		tracker: tracker,
		logger:  logger.With("component", "api"),
	}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(util.TraceMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleSubmitEvent)
		r.Get("/state/{entityID}", s.handleCurrentState)
		r.Get("/timeline/{entityID}", s.handleTimeline)
		r.Get("/active", s.handleActiveEntities)
		r.Put("/definitions", s.handlePublishDefinition)
		r.Get("/definitions/{id}/{version}", s.handleGetDefinition)
		r.Get("/context/{entityID}", s.handleDiagnosticsContext)
		r.Get("/snapshot", s.handleSnapshot)
	})
	r.Get("/ws", s.hub.ServeWs)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// handleSubmitEvent 接收设备适配器提交的事件
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.IncomingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn("解析事件请求失败", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.ingress.Submit(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, decisionStatusCode(decision), decision)
}

// decisionStatusCode 把处理结论映射为 HTTP 状态码
func decisionStatusCode(d types.Decision) int {
	if d.Status == types.DecisionAccepted {
		return http.StatusAccepted
	}
	switch d.Reason {
	case types.ReasonValidationError:
		return http.StatusBadRequest
	case types.ReasonStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// handleCurrentState 返回实体的当前权威状态
func (s *Server) handleCurrentState(w http.ResponseWriter, r *http.Request) {
	view, err := s.query.CurrentState(chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTimeline 返回实体的时间线，可按 from/to (RFC3339) 截取窗口
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to")
	if !ok {
		return
	}
	records, err := s.query.Timeline(r.Context(), chi.URLParam(r, "entityID"), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleActiveEntities 返回某定义下的活动实体集合
func (s *Server) handleActiveEntities(w http.ResponseWriter, r *http.Request) {
	definitionID := r.URL.Query().Get("definitionId")
	if definitionID == "" {
		writeError(w, http.StatusBadRequest, "definitionId is required")
		return
	}
	ids := s.query.ActiveEntities(definitionID)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitionId": definitionID, "entities": ids})
}

// handlePublishDefinition 发布一份新定义（总是新版本，从不原地修改）
func (s *Server) handlePublishDefinition(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := s.defs.Publish(def)
	if err != nil {
		var verr *definition.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"reason": types.ReasonValidationError,
				"detail": verr.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID, "version": version})
}

// handleGetDefinition 按 (id, version) 返回定义
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	compiled, err := s.defs.Get(chi.URLParam(r, "id"), chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"reason": types.ReasonNotFound,
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, compiled.Def)
}

// handleDiagnosticsContext 返回诊断助手回答问题前拉取的只读上下文
func (s *Server) handleDiagnosticsContext(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	view, err := s.query.CurrentState(entityID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.query.RecentEvents(r.Context(), entityID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": view, "recentEvents": records})
}

// handleSnapshot 返回前端全量状态，供不走 WebSocket 的轮询客户端使用
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.GetStateSnapshot())
}

// parseTimeParam 解析 RFC3339 时间参数，缺省返回零值
func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter: "+err.Error())
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"error": detail})
}
