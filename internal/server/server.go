package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/audit"
	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/exchange"
	"github.com/shadow-olj/a101-ai-trader/internal/execution"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
	"github.com/shadow-olj/a101-ai-trader/internal/predict"
	"github.com/shadow-olj/a101-ai-trader/internal/risk"
)

// defaultAccount 在请求未携带账户时使用，兼容单用户部署。
const defaultAccount = "default"

type commandParser interface {
	Parse(ctx context.Context, userInput string) (intent.Intent, error)
}

type commandExecutor interface {
	Execute(ctx context.Context, dec risk.Decision) (execution.Result, error)
}

type marketClient interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	FetchPositions(ctx context.Context, symbol string) ([]exchange.Position, error)
	FetchBalance(ctx context.Context) (exchange.Balance, error)
}

// Predictor 为可选的市场预测能力。
type Predictor interface {
	Predict(ctx context.Context, symbol string) (predict.Prediction, error)
}

// Server 暴露指令入口与查询接口。
// predictor 可为空：预测功能按配置开关。
type Server struct {
	cfg       config.ServerConfig
	logger    *zap.Logger
	parser    commandParser
	engine    *risk.Engine
	executor  commandExecutor
	market    marketClient
	predictor Predictor
	auditor   *audit.Service
}

// New 创建HTTP服务。
func New(
	cfg config.ServerConfig,
	parser commandParser,
	engine *risk.Engine,
	executor commandExecutor,
	market marketClient,
	predictor Predictor,
	auditor *audit.Service,
	logger *zap.Logger,
) (*Server, error) {
	if parser == nil {
		return nil, errors.New("server: parser 不能为空")
	}
	if engine == nil {
		return nil, errors.New("server: risk engine 不能为空")
	}
	if executor == nil {
		return nil, errors.New("server: executor 不能为空")
	}
	if market == nil {
		return nil, errors.New("server: market client 不能为空")
	}
	if auditor == nil {
		return nil, errors.New("server: auditor 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		parser:    parser,
		engine:    engine,
		executor:  executor,
		market:    market,
		predictor: predictor,
		auditor:   auditor,
	}, nil
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/risk/stats", s.handleRiskStats)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/balance", s.handleBalance)
	mux.HandleFunc("/api/predict", s.handlePredict)

	return mux
}

// Run 启动HTTP服务并在ctx取消时优雅退出。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("HTTP服务已启动", zap.String("addr", s.cfg.ListenAddr))

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭HTTP服务失败", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP服务已停止")
	return nil
}
