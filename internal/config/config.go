package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Market     MarketConfig     `mapstructure:"market"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	TokenCache TokenCacheConfig `mapstructure:"token_cache"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// MarketConfig 平台业务配置
type MarketConfig struct {
	// 撮合引擎的账户标识，买卖双方需要对其授权额度才能成交
	EngineAccount string `mapstructure:"engine_account"`
	// 发币策略：open（任何人）或 gated（仅 ADMIN/CREATOR）
	CreatePolicy  string   `mapstructure:"create_policy"`
	AdminAccounts []string `mapstructure:"admin_accounts"`
	// 交易在两腿之间停留超过该时长即被监控任务上报
	StuckTradeSeconds int `mapstructure:"stuck_trade_seconds"`
}

type SnapshotConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	LockTTLSeconds  int `mapstructure:"lock_ttl_seconds"`
}

type OutboxConfig struct {
	IntervalMillis int `mapstructure:"interval_millis"`
	BatchSize      int `mapstructure:"batch_size"`
	MaxRetryCount  int `mapstructure:"max_retry_count"`
}

type TokenCacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.topic.ledger_events", "ledger-events")
	v.SetDefault("market.engine_account", "marketplace")
	v.SetDefault("market.create_policy", "open")
	v.SetDefault("market.stuck_trade_seconds", 60)
	v.SetDefault("snapshot.interval_seconds", 30)
	v.SetDefault("snapshot.lock_ttl_seconds", 30)
	v.SetDefault("outbox.interval_millis", 100)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)
	v.SetDefault("token_cache.ttl_seconds", 3600)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if config.Market.EngineAccount == "" {
		return nil, fmt.Errorf("market.engine_account 不能为空")
	}

	GlobalConfig = config
	return config, nil
}
