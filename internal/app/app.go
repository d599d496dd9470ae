package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shadow-olj/a101-ai-trader/internal/audit"
	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/exchange"
	"github.com/shadow-olj/a101-ai-trader/internal/execution"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
	"github.com/shadow-olj/a101-ai-trader/internal/predict"
	"github.com/shadow-olj/a101-ai-trader/internal/risk"
	"github.com/shadow-olj/a101-ai-trader/internal/server"
	"github.com/shadow-olj/a101-ai-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	registry *risk.Registry
	srv      *server.Server
}

// New 装配全部组件。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parser, err := intent.NewParser(cfg.OpenAI, logger.Named("intent"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化意图解析器失败: %w", err)
	}

	ledger, err := risk.NewLedger(store.DB(), logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化用量账本失败: %w", err)
	}

	registry, err := risk.NewRegistry(store.DB(), cfg.Confirmation.TTL, logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化确认登记表失败: %w", err)
	}

	engine, err := risk.NewEngine(cfg.Limits, ledger, registry, logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化风控引擎失败: %w", err)
	}

	auditor, err := audit.NewService(store, logger.Named("audit"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化审计服务失败: %w", err)
	}

	client, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化交易所客户端失败: %w", err)
	}

	dispatcher, err := execution.NewDispatcher(client, ledger, auditor, logger.Named("execution"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化执行器失败: %w", err)
	}

	var analyst *predict.Analyst
	if cfg.Predict.Enabled {
		history, histErr := predict.NewHistory(store, logger.Named("predict"))
		if histErr != nil {
			return nil, fmt.Errorf("app: 初始化预测历史失败: %w", histErr)
		}
		analyst, err = predict.NewAnalyst(cfg.Predict, cfg.OpenAI, client, history, logger.Named("predict"))
		if err != nil {
			return nil, fmt.Errorf("app: 初始化预测器失败: %w", err)
		}
	}

	var predictor server.Predictor
	if analyst != nil {
		predictor = analyst
	}

	srv, err := server.New(cfg.Server, parser, engine, dispatcher, client, predictor, auditor, logger.Named("server"))
	if err != nil {
		return nil, fmt.Errorf("app: 初始化HTTP服务失败: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		srv:      srv,
	}, nil
}

// Run 启动HTTP服务与后台清理任务，阻塞直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易指令系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("listen_addr", a.cfg.Server.ListenAddr),
		zap.Bool("predict_enabled", a.cfg.Predict.Enabled),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.srv.Run(groupCtx)
	})

	group.Go(func() error {
		return a.sweepConfirmations(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// sweepConfirmations 定期清理过期的待确认记录。
func (a *App) sweepConfirmations(ctx context.Context) error {
	interval := a.cfg.Confirmation.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.registry.ExpireStale(ctx); err != nil {
				a.logger.Warn("清理过期确认失败", zap.Error(err))
			}
		}
	}
}
