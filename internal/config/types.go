package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Predict      PredictConfig      `mapstructure:"predict"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 控制HTTP服务监听与超时。
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LimitsConfig 定义风控闸门的硬性限额。
// 所有数值必须为正，且 confirm_threshold 不能超过 max_single_trade。
type LimitsConfig struct {
	MaxSingleTrade   float64 `mapstructure:"max_single_trade"`
	MaxLeverage      int     `mapstructure:"max_leverage"`
	ConfirmThreshold float64 `mapstructure:"confirm_threshold"`
	MaxDailyTrades   int     `mapstructure:"max_daily_trades"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MinConfidence    float64 `mapstructure:"min_confidence"`
}

// ConfirmationConfig 控制待确认指令的生命周期。
type ConfirmationConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PredictConfig 控制市场预测功能。
type PredictConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Timeframe    string `mapstructure:"timeframe"`
	CandleLimit  int    `mapstructure:"candle_limit"`
	LookbackDays int    `mapstructure:"lookback_days"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.ListenAddr == "" {
		err = multierr.Append(err, errors.New("server.listen_addr 不能为空"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Limits.MaxSingleTrade <= 0 {
		err = multierr.Append(err, errors.New("limits.max_single_trade 必须大于0"))
	}
	if c.Limits.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("limits.max_leverage 必须大于0"))
	}
	if c.Limits.ConfirmThreshold <= 0 {
		err = multierr.Append(err, errors.New("limits.confirm_threshold 必须大于0"))
	}
	if c.Limits.ConfirmThreshold > c.Limits.MaxSingleTrade {
		err = multierr.Append(err, errors.New("limits.confirm_threshold 不能大于 max_single_trade"))
	}
	if c.Limits.MaxDailyTrades <= 0 {
		err = multierr.Append(err, errors.New("limits.max_daily_trades 必须大于0"))
	}
	if c.Limits.MaxDailyLoss <= 0 {
		err = multierr.Append(err, errors.New("limits.max_daily_loss 必须大于0"))
	}
	if c.Limits.MinConfidence < 0 || c.Limits.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("limits.min_confidence 必须位于[0,1]"))
	}
	if c.Confirmation.TTL <= 0 {
		err = multierr.Append(err, errors.New("confirmation.ttl 必须大于0"))
	}
	if c.Confirmation.SweepInterval <= 0 {
		err = multierr.Append(err, errors.New("confirmation.sweep_interval 必须大于0"))
	}
	if c.Predict.Enabled {
		if c.Predict.Timeframe == "" {
			err = multierr.Append(err, errors.New("predict.timeframe 不能为空"))
		}
		if c.Predict.CandleLimit <= 0 {
			err = multierr.Append(err, errors.New("predict.candle_limit 必须大于0"))
		}
		if c.Predict.LookbackDays <= 0 {
			err = multierr.Append(err, errors.New("predict.lookback_days 必须大于0"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
