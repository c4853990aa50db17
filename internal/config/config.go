package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// EnableRelay 是否挂载 /internal/port 转发接口，供其他进程通过 relay 后端访问本机存储
	EnableRelay bool `mapstructure:"enable_relay"`
	// MetricsInterval 存储用量采集周期
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 关系型数据库配置，供 gorm 后端使用
type DatabaseConfig struct {
	// Driver sqlite 或 postgres
	Driver          string `mapstructure:"driver"`
	Path            string `mapstructure:"path"` // sqlite 文件路径
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// GetDSN postgres 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// StorageConfig 会话历史存储后端
type StorageConfig struct {
	// Backend memory, redis, sqlite, gorm, bolt, relay
	Backend string `mapstructure:"backend"`
	// CapacityBytes 后端容量，用于计算用量比例
	CapacityBytes int64 `mapstructure:"capacity_bytes"`

	Redis  RedisStorageConfig  `mapstructure:"redis"`
	SQLite SQLiteStorageConfig `mapstructure:"sqlite"`
	Bolt   BoltStorageConfig   `mapstructure:"bolt"`
	Relay  RelayStorageConfig  `mapstructure:"relay"`
}

// RedisStorageConfig redis 后端
type RedisStorageConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// SQLiteStorageConfig 本地 sqlite 文件后端
type SQLiteStorageConfig struct {
	Path string `mapstructure:"path"`
	// CompressionThreshold 超过该字节数的值使用 gzip 压缩
	CompressionThreshold int `mapstructure:"compression_threshold"`
}

// BoltStorageConfig bbolt 文件后端
type BoltStorageConfig struct {
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
}

// RelayStorageConfig 跨进程转发后端
type RelayStorageConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

// EngineConfig 会话历史引擎参数
type EngineConfig struct {
	SoftThreshold     float64       `mapstructure:"soft_threshold"`
	HardThreshold     float64       `mapstructure:"hard_threshold"`
	MaxMessages       int           `mapstructure:"max_messages"`
	MaxKeys           int           `mapstructure:"max_keys"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	BackgroundCleanup bool          `mapstructure:"background_cleanup"`
	// TokenizerModel 非空时回填 Token 数使用 tiktoken
	TokenizerModel string `mapstructure:"tokenizer_model"`
}

// OptimizerConfig 上下文优化窗口
type OptimizerConfig struct {
	MaxMessages          int  `mapstructure:"max_messages"`
	MaxTokens            int  `mapstructure:"max_tokens"`
	SummaryTokens        int  `mapstructure:"summary_tokens"`
	PreserveUserMessages bool `mapstructure:"preserve_user_messages"`

	PromptMaxMessages int `mapstructure:"prompt_max_messages"`
	PromptMaxTokens   int `mapstructure:"prompt_max_tokens"`
}

// WorkerConfig 后台清理任务
type WorkerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Concurrency int    `mapstructure:"concurrency"`
	Queue       string `mapstructure:"queue"`
	// CleanupCron 定期智能清理的 cron 表达式，空表示不调度
	CleanupCron string `mapstructure:"cleanup_cron"`
}

var globalConfig *Config

// setDefaults 注册默认值，空配置文件即得到引擎的默认参数
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.metrics_interval", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/history.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.capacity_bytes", 10*1024*1024)
	v.SetDefault("storage.redis.prefix", "{contextcache}:")
	v.SetDefault("storage.sqlite.path", "./data/history-kv.db")
	v.SetDefault("storage.sqlite.compression_threshold", 1024)
	v.SetDefault("storage.bolt.path", "./data/history.bolt")
	v.SetDefault("storage.bolt.bucket", "history")
	v.SetDefault("storage.relay.timeout", 5*time.Second)

	v.SetDefault("engine.soft_threshold", 0.85)
	v.SetDefault("engine.hard_threshold", 0.95)
	v.SetDefault("engine.max_messages", 100)
	v.SetDefault("engine.max_keys", 300)
	v.SetDefault("engine.stale_after", 30*24*time.Hour)
	v.SetDefault("engine.operation_timeout", 5*time.Second)

	v.SetDefault("optimizer.max_messages", 10)
	v.SetDefault("optimizer.max_tokens", 8000)
	v.SetDefault("optimizer.summary_tokens", 500)
	v.SetDefault("optimizer.preserve_user_messages", true)
	v.SetDefault("optimizer.prompt_max_messages", 8)
	v.SetDefault("optimizer.prompt_max_tokens", 6000)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue", "maintenance")
	v.SetDefault("worker.cleanup_cron", "@every 1h")
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）；按环境名找不到配置文件时只使用默认值与环境变量
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_STORAGE_BACKEND

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	e := c.Engine
	if e.SoftThreshold <= 0 || e.HardThreshold > 1 || e.SoftThreshold >= e.HardThreshold {
		return fmt.Errorf("阈值配置非法: soft=%.2f hard=%.2f", e.SoftThreshold, e.HardThreshold)
	}
	if c.Storage.CapacityBytes < 0 {
		return fmt.Errorf("storage.capacity_bytes 不能为负数")
	}
	switch c.Storage.Backend {
	case "memory", "redis", "sqlite", "gorm", "bolt":
	case "relay":
		if c.Storage.Relay.BaseURL == "" {
			return fmt.Errorf("relay 后端需要配置 storage.relay.base_url")
		}
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.Storage.Backend)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}
