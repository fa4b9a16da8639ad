package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JasonSnail/FECP/internal/api"
	"github.com/JasonSnail/FECP/internal/config"
	"github.com/JasonSnail/FECP/internal/definition"
	"github.com/JasonSnail/FECP/internal/engine"
	"github.com/JasonSnail/FECP/internal/event"
	"github.com/JasonSnail/FECP/internal/handlers"
	"github.com/JasonSnail/FECP/internal/ingress"
	"github.com/JasonSnail/FECP/internal/ledger"
	"github.com/JasonSnail/FECP/internal/query"
	"github.com/JasonSnail/FECP/internal/web"
)

// main 是执行核心服务的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	hub := web.NewHub()
	go hub.Run()
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()

	baseLedger, err := openLedger(cfg, logger)
	if err != nil {
		logger.Error("无法初始化历史账本", "error", err)
		os.Exit(1)
	}
	defer baseLedger.Close()
	retryLedger := ingress.NewRetryLedger(baseLedger, time.Duration(cfg.Ingress.AppendMaxElapsed)*time.Millisecond)

	defs := definition.NewStore(logger)
	if err := defs.LoadDir(cfg.DefinitionsDir); err != nil {
		logger.Warn("加载定义目录失败", "error", err, "dir", cfg.DefinitionsDir)
	}

	deadLetter, err := ingress.NewDeadLetter(cfg.Ingress.DeadLetterPath)
	if err != nil {
		logger.Error("无法初始化死信文件", "error", err)
		os.Exit(1)
	}
	defer deadLetter.Close()

	// 2. 组装引擎与事件入口
	eng := engine.NewEngine(defs, retryLedger, eventBus, logger)
	ing := ingress.NewIngress(eng, deadLetter, cfg.Ingress.Workers, logger)

	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. 从账本回放，恢复实体状态与幂等表
	records, err := baseLedger.Replay(context.Background())
	if err != nil {
		logger.Warn("账本回放失败", "error", err)
	} else if len(records) > 0 {
		eng.Restore(records)
		ing.SeedDedup(records)
		logger.Info("账本回放完成", "records", len(records))
	}

	logger.Info("=== FECP 执行核心启动 ===", "addr", cfg.HTTPAddr, "ledger", cfg.Ledger.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ing.Start(ctx)

	querySvc := query.NewService(eng, baseLedger, defs)
	apiServer := api.NewServer(ing, querySvc, defs, hub, stateTracker, logger)
	go func() {
		if err := http.ListenAndServe(cfg.HTTPAddr, apiServer.Router()); err != nil {
			logger.Error("API 服务器启动失败", "error", err)
		}
	}()

	// 4. 优雅停机
	waitForShutdown(logger, cancel, ing)
}

// openLedger 按配置选择账本后端
func openLedger(cfg *config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		logger.Info("使用 Redis 账本", "addr", cfg.Ledger.RedisAddr)
		return ledger.NewRedis(cfg.Ledger.RedisAddr, cfg.Ledger.RedisDB), nil
	default:
		logger.Info("使用 WAL 账本", "path", cfg.Ledger.Path)
		return ledger.NewWAL(cfg.Ledger.Path)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, ing *ingress.Ingress) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()
	ing.WaitForCompletion()
	logger.Info("在途事件处理完毕，系统已安全退出。")
}
