package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Log         LogConfig         `mapstructure:"log"`
	Credit      CreditConfig      `mapstructure:"credit"`
	Escrow      EscrowConfig      `mapstructure:"escrow"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	WorkerID int64  `mapstructure:"worker_id"` // 雪花算法机器ID，多实例部署时必须不同
	Mode     string `mapstructure:"mode"`
}

// DatabaseConfig 数据库配置
// driver 支持 mysql（生产）和 sqlite（单机/测试）
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Consumption string `mapstructure:"consumption"`
	Escrow      string `mapstructure:"escrow"`
	Settlement  string `mapstructure:"settlement"`
}

// OutboxConfig 发件箱投递配置
type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CreditConfig 聊天计费配置
type CreditConfig struct {
	WordsPerCredit    int64         `mapstructure:"words_per_credit"`    // 1 credit = 1000 词
	LowBalanceCredits int64         `mapstructure:"low_balance_credits"` // 扣费后余额低于该值时返回提醒
	BalanceCacheTTL   time.Duration `mapstructure:"balance_cache_ttl"`
}

// EscrowConfig 质量托管配置
type EscrowConfig struct {
	QualityThreshold int           `mapstructure:"quality_threshold"` // >= 该分数全额放款
	MinAcceptable    int           `mapstructure:"min_acceptable"`    // < 该分数罚没，全额退回付款方
	Curve            string        `mapstructure:"curve"`             // linear | quadratic | step
	StepRatio        string        `mapstructure:"step_ratio"`        // step 曲线下中间区间的放款比例
	EvaluationWindow time.Duration `mapstructure:"evaluation_window"` // 锁定后等待评分的时间
	DisputeWindow    time.Duration `mapstructure:"dispute_window"`    // 评分后可发起争议的时间，0 表示立即结算
	ConflictRetries  int           `mapstructure:"conflict_retries"`
	Arbitrators      []string      `mapstructure:"arbitrators"`
	OnChainPayout    bool          `mapstructure:"onchain_payout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	CompensateDelay  time.Duration `mapstructure:"compensate_delay"`
}

// SettlementConfig 链上结算重试配置
type SettlementConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
}

type ChainConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RPCURL          string `mapstructure:"rpc_url"`
	ChainID         int64  `mapstructure:"chain_id"`
	TokenAddress    string `mapstructure:"token_address"`
	TreasuryAddress string `mapstructure:"treasury_address"`
	PrivateKey      string `mapstructure:"private_key"`
	TokenDecimals   int32  `mapstructure:"token_decimals"`
	Confirmations   uint64 `mapstructure:"confirmations"`
}

type IdempotencyConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// setDefaults 注册默认值，配置文件和环境变量可以覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.path", "bezsettle.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.topic.consumption", "bezhas.credit.consumption")
	v.SetDefault("kafka.topic.escrow", "bezhas.escrow.transition")
	v.SetDefault("kafka.topic.settlement", "bezhas.settlement.result")

	v.SetDefault("outbox.interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)

	v.SetDefault("log.level", "info")

	v.SetDefault("credit.words_per_credit", 1000)
	v.SetDefault("credit.low_balance_credits", 1)
	v.SetDefault("credit.balance_cache_ttl", time.Minute)

	v.SetDefault("escrow.quality_threshold", 70)
	v.SetDefault("escrow.min_acceptable", 30)
	v.SetDefault("escrow.curve", "linear")
	v.SetDefault("escrow.step_ratio", "0.5")
	v.SetDefault("escrow.evaluation_window", 72*time.Hour)
	v.SetDefault("escrow.dispute_window", time.Duration(0))
	v.SetDefault("escrow.conflict_retries", 3)
	v.SetDefault("escrow.sweep_interval", 10*time.Second)
	v.SetDefault("escrow.compensate_delay", time.Minute)

	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.initial_backoff", 2*time.Second)
	v.SetDefault("settlement.max_backoff", 5*time.Minute)
	v.SetDefault("settlement.backoff_multiplier", 2.0)
	v.SetDefault("settlement.call_timeout", 15*time.Second)
	v.SetDefault("settlement.poll_interval", 5*time.Second)
	v.SetDefault("settlement.batch_size", 50)

	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.confirmations", 3)

	v.SetDefault("idempotency.retention", 7*24*time.Hour)
	v.SetDefault("idempotency.purge_schedule", "@every 1h")

	v.SetDefault("rate_limit.messages_per_second", 5)
	v.SetDefault("rate_limit.burst", 10)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BEZHAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default 返回只包含默认值的配置，测试和本地调试使用
func Default() *Config {
	v := newViper()
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

// Validate 校验业务相关配置
func (c *Config) Validate() error {
	if c.Credit.WordsPerCredit <= 0 {
		return fmt.Errorf("credit.words_per_credit 必须大于0")
	}
	if c.Escrow.MinAcceptable < 0 || c.Escrow.QualityThreshold > 100 ||
		c.Escrow.MinAcceptable >= c.Escrow.QualityThreshold {
		return fmt.Errorf("escrow 阈值不合法: min_acceptable=%d, quality_threshold=%d",
			c.Escrow.MinAcceptable, c.Escrow.QualityThreshold)
	}
	switch c.Escrow.Curve {
	case "linear", "quadratic", "step":
	default:
		return fmt.Errorf("escrow.curve 不支持: %s", c.Escrow.Curve)
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement.max_attempts 必须大于0")
	}
	return nil
}
