package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Redis     RedisConfig           `mapstructure:"redis"`
	JWT       JWTConfig             `mapstructure:"jwt"`
	OSS       OSSConfig             `mapstructure:"oss"`
	Queue     QueueConfig           `mapstructure:"queue"`
	Pipeline  PipelineConfig        `mapstructure:"pipeline"`
	Jobs      JobsConfig            `mapstructure:"jobs"`
	Plans     map[string]PlanConfig `mapstructure:"plans"`
	Quota     QuotaConfig           `mapstructure:"quota"`
	LLM       LLMConfig             `mapstructure:"llm"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
	CORS      CORSConfig            `mapstructure:"cors"`
	Upload    UploadConfig          `mapstructure:"upload"`
	Log       LogConfig             `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, postgres, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"` // 消费者心跳超时，超时后其执行中任务被放回队列
	ConsumerID        string        `mapstructure:"consumer_id"`        // 为空时每次启动随机生成
}

// PipelineConfig map-reduce 分析参数
type PipelineConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size"`       // 单个分块的最大字符数
	MergeBatchSize int           `mapstructure:"merge_batch_size"` // 每次合并的结果数
	Concurrency    int           `mapstructure:"concurrency"`      // 同时进行的模型调用数
	ChunkTTL       time.Duration `mapstructure:"chunk_ttl"`
}

type JobsConfig struct {
	StatusTTL     time.Duration `mapstructure:"status_ttl"`
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
}

// PlanConfig 套餐限制，MaxInputChars 为 0 表示只受配额限制
type PlanConfig struct {
	RequestLimit  int64 `mapstructure:"request_limit"`
	CharLimit     int64 `mapstructure:"char_limit"`
	MaxInputChars int   `mapstructure:"max_input_chars"`
}

type QuotaConfig struct {
	Period time.Duration `mapstructure:"period"`
}

type LLMConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type RateLimitConfig struct {
	UploadPerHour    int64         `mapstructure:"upload_per_hour"`
	JobStatusPerHour int64         `mapstructure:"job_status_per_hour"`
	Window           time.Duration `mapstructure:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`           // 最大文件大小（字节）
	AllowedExtensions []string `mapstructure:"allowed_extensions"` // 允许的扩展名
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}

	return &cfg, nil
}

// DefaultPlans 默认套餐
func DefaultPlans() map[string]PlanConfig {
	return map[string]PlanConfig{
		"free":  {RequestLimit: 100, CharLimit: 100000, MaxInputChars: 6000},
		"pro":   {RequestLimit: 1000, CharLimit: 1000000},
		"ultra": {RequestLimit: 10000, CharLimit: 10000000},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("jwt.expire_hours", 24)

	v.SetDefault("queue.name", "doc_analysis")
	v.SetDefault("queue.max_workers", 2)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.poll_timeout", 5*time.Second)
	v.SetDefault("queue.visibility_timeout", time.Minute)

	v.SetDefault("pipeline.chunk_size", 50000)
	v.SetDefault("pipeline.merge_batch_size", 10)
	v.SetDefault("pipeline.concurrency", 3)
	v.SetDefault("pipeline.chunk_ttl", 10*time.Minute)

	v.SetDefault("jobs.status_ttl", 30*time.Minute)
	v.SetDefault("jobs.processing_ttl", 2*time.Hour)

	v.SetDefault("quota.period", 30*24*time.Hour)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 3)

	v.SetDefault("rate_limit.upload_per_hour", 5)
	v.SetDefault("rate_limit.job_status_per_hour", 600)
	v.SetDefault("rate_limit.window", time.Hour)

	v.SetDefault("upload.max_size", 5*1024*1024)
	v.SetDefault("upload.allowed_extensions", []string{".txt", ".md"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
