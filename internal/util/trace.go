package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// TraceHeader 是跨服务传递 Trace ID 的 HTTP 头
const TraceHeader = "X-Trace-ID"

// NewTraceID 生成一个随机的、唯一的 Trace ID
// 设备适配器到引擎再到账本的一次事件流转共享同一个 ID
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// 极少数情况下随机数生成失败，返回一个固定的错误标记
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// TraceMiddleware 读取或生成请求的 Trace ID，注入 Context 并回写响应头
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = NewTraceID()
		}
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}
