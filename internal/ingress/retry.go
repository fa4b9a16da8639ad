package ingress

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JasonSnail/FECP/internal/ledger"
	"github.com/JasonSnail/FECP/internal/metrics"
	"github.com/JasonSnail/FECP/internal/types"
)

// RetryLedger 用指数退避包装账本的追加操作
// 存储短暂不可用是基础设施故障而不是领域错误，在入口层消化掉；
// 重试耗尽后错误上浮，事件随后进入死信区
type RetryLedger struct {
	ledger.Ledger
	maxElapsed time.Duration
}

// NewRetryLedger 包装一个账本后端
func NewRetryLedger(inner ledger.Ledger, maxElapsed time.Duration) *RetryLedger {
	return &RetryLedger{Ledger: inner, maxElapsed: maxElapsed}
}

// Append 带退避地重试底层追加，直到成功或超出重试预算
func (r *RetryLedger) Append(ctx context.Context, records ...types.TransitionRecord) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = r.maxElapsed

	start := time.Now()
	err := backoff.Retry(func() error {
		return r.Ledger.Append(ctx, records...)
	}, backoff.WithContext(policy, ctx))
	metrics.LedgerAppendDuration.Observe(time.Since(start).Seconds())
	return err
}
