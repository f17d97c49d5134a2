package config

import (
	"fmt"
	"os"
	"time"

	"tripforge/internal/oracle"
	pkgconfig "tripforge/pkg/config"
)

// 存储驱动
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// OracleConfig enrichment oracle 配置，providers 按降级优先级排列
type OracleConfig struct {
	Providers   []oracle.ProviderConfig `yaml:"providers"`
	CallTimeout time.Duration           `yaml:"call_timeout"`
}

// EngineConfig 整合引擎参数
type EngineConfig struct {
	BatchSize              int           `yaml:"batch_size"`
	WorkerCount            int           `yaml:"worker_count"`
	MaxRetries             int           `yaml:"max_retries"`
	StaleProcessingTimeout time.Duration `yaml:"stale_processing_timeout"`
	AdjacencyGapDays       int           `yaml:"adjacency_gap_days"`
	DestinationJoinGapDays int           `yaml:"destination_join_gap_days"`
	IdentityRoundingWindow time.Duration `yaml:"identity_rounding_window"`
	HomeCity               string        `yaml:"home_city"`
}

// RatesConfig 汇率换算配置，table 是各币种对 reporting_currency 的静态汇率
type RatesConfig struct {
	ReportingCurrency string             `yaml:"reporting_currency"`
	CacheTTL          time.Duration      `yaml:"cache_ttl"`
	Table             map[string]float64 `yaml:"table"`
}

// Config 服务配置
type Config struct {
	Server  pkgconfig.ServerConfig `yaml:"server"`
	Storage string                 `yaml:"storage"` // postgres | memory
	DB      pkgconfig.DBConfig     `yaml:"db"`
	MQ      pkgconfig.MQConfig     `yaml:"mq"`
	Redis   pkgconfig.RedisConfig  `yaml:"redis"`
	JWT     pkgconfig.JWTConfig    `yaml:"jwt"`
	Oracle  OracleConfig           `yaml:"oracle"`
	Engine  EngineConfig           `yaml:"engine"`
	Rates   RatesConfig            `yaml:"rates"`
}

// Load 分层加载配置并套默认值
func Load() (*Config, error) {
	cfg := &Config{}
	env := pkgconfig.GetConfigEnv()
	dir := pkgconfig.GetEnv("CONFIG_DIR", "config")
	if err := pkgconfig.Load(env, dir, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	if key := os.Getenv("ORACLE_API_KEY"); key != "" {
		for i := range cfg.Oracle.Providers {
			if cfg.Oracle.Providers[i].APIKey == "" {
				cfg.Oracle.Providers[i].APIKey = key
			}
		}
	}

	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Storage == "" {
		c.Storage = StoragePostgres
	}
	if c.Oracle.CallTimeout <= 0 {
		c.Oracle.CallTimeout = 90 * time.Second
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 10
	}
	if c.Engine.WorkerCount <= 0 {
		c.Engine.WorkerCount = 3
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.StaleProcessingTimeout <= 0 {
		c.Engine.StaleProcessingTimeout = 10 * time.Minute
	}
	if c.Engine.DestinationJoinGapDays <= 0 {
		c.Engine.DestinationJoinGapDays = 14
	}
	if c.Engine.IdentityRoundingWindow <= 0 {
		c.Engine.IdentityRoundingWindow = time.Hour
	}
	if c.Engine.HomeCity == "" {
		c.Engine.HomeCity = "Zurich"
	}
	if c.Rates.ReportingCurrency == "" {
		c.Rates.ReportingCurrency = "CHF"
	}
	if c.Rates.CacheTTL <= 0 {
		c.Rates.CacheTTL = time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage)
	}
	if len(c.Oracle.Providers) == 0 {
		return fmt.Errorf("at least one oracle provider is required")
	}
	return nil
}
