package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"TreasuryGuard/pkg/logger"
	"TreasuryGuard/pkg/plugin"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "TREASURY_CONFIG"

// Config 描述控制器启动时需要加载的全部配置。
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            logger.Config        `yaml:"log"`
	Storage        StorageConfig        `yaml:"storage"`
	Intake         IntakeConfig         `yaml:"intake"`
	Limits         LimitsConfig         `yaml:"limits"`
	Approval       ApprovalConfig       `yaml:"approval"`
	Fees           FeesConfig           `yaml:"fees"`
	Compliance     ComplianceConfig     `yaml:"compliance"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Resolver       ResolverConfig       `yaml:"resolver"`
	Emergency      EmergencyConfig      `yaml:"emergency"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Accounts       []AccountConfig      `yaml:"accounts"`
	Chains         ChainsConfig         `yaml:"chains"`
	Alerting       AlertingConfig       `yaml:"alerting"`
	Coordination   CoordinationConfig   `yaml:"coordination"`
	Guidance       GuidanceConfig       `yaml:"guidance"`
	Auth           AuthConfig           `yaml:"auth"`
	Plugins        plugin.ManagerConfig `yaml:"plugins"`
}

// ServerConfig 控制 API 服务的监听地址。/metrics 默认挂在 API 上，MetricsAddress 非空时另起独立服务。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// StorageConfig 选择账本仓储实现。
type StorageConfig struct {
	// Driver 取值 memory、sqlite 或 mysql。
	Driver string       `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql"`
}

// SQLiteConfig 描述单机 SQLite 文件。
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IntakeConfig 描述 HTTP 之外的请求入口。
type IntakeConfig struct {
	// Driver 取值 none、redis 或 rabbitmq。
	Driver   string             `yaml:"driver"`
	Workers  int                `yaml:"workers"`
	Redis    RedisIntakeConfig  `yaml:"redis"`
	RabbitMQ RabbitIntakeConfig `yaml:"rabbitmq"`
}

// RedisIntakeConfig 描述 Redis list 入口。
type RedisIntakeConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	Queue       string        `yaml:"queue"`
	BlockWait   time.Duration `yaml:"block_wait"`
}

// RabbitIntakeConfig 描述 RabbitMQ 队列入口。
type RabbitIntakeConfig struct {
	URL                string `yaml:"url"`
	URLEnv             string `yaml:"url_env"`
	Queue              string `yaml:"queue"`
	Prefetch           int    `yaml:"prefetch"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// SchedulerConfig 描述执行队列与周期任务。
type SchedulerConfig struct {
	Delay      time.Duration `yaml:"delay"`
	MaxRetries int           `yaml:"max_retries"`
	Intervals  Intervals     `yaml:"intervals"`
}

// Intervals 是周期任务的间隔，0 表示不运行。
type Intervals struct {
	LimitReset    time.Duration `yaml:"limit_reset"`
	HighValue     time.Duration `yaml:"high_value"`
	Full          time.Duration `yaml:"full"`
	Comprehensive time.Duration `yaml:"comprehensive"`
	Health        time.Duration `yaml:"health"`
}

// ChainsConfig 指向链定义文件。
type ChainsConfig struct {
	File string `yaml:"file"`
}

// CoordinationConfig 描述外部协作方。
type CoordinationConfig struct {
	Timeout time.Duration        `yaml:"timeout"`
	Agents  []CollaboratorConfig `yaml:"agents"`
	// NotifyAgent 为交易完成后通知客户的协作方，空值关闭。
	NotifyAgent string `yaml:"notify_agent"`
}

// CollaboratorConfig 描述一个 HTTP 协作方。
type CollaboratorConfig struct {
	ID       string        `yaml:"id"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GuidanceConfig 描述应急与差异处置建议的来源。
type GuidanceConfig struct {
	// Provider 取值 none、static 或 openai。
	Provider   string       `yaml:"provider"`
	File       string       `yaml:"file"`
	MaxResults int          `yaml:"max_results"`
	OpenAI     OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Slack    WebhookConfig `yaml:"slack"`
	DingTalk WebhookConfig `yaml:"dingtalk"`
	Email    EmailConfig   `yaml:"email"`
	AMQP     AMQPConfig    `yaml:"amqp"`
}

// WebhookConfig 描述机器人 webhook。
type WebhookConfig struct {
	URL     string `yaml:"url"`
	URLEnv  string `yaml:"url_env"`
	Channel string `yaml:"channel"`
}

// EmailConfig 描述 SMTP 告警。
type EmailConfig struct {
	Addr          string   `yaml:"addr"`
	From          string   `yaml:"from"`
	Username      string   `yaml:"username"`
	PasswordEnv   string   `yaml:"password_env"`
	To            []string `yaml:"to"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

// AMQPConfig 描述告警交换机。
type AMQPConfig struct {
	URL           string `yaml:"url"`
	URLEnv        string `yaml:"url_env"`
	Exchange      string `yaml:"exchange"`
	RoutingPrefix string `yaml:"routing_prefix"`
}

// Load 解析指定路径的 YAML 配置文件，路径为空时读取 TREASURY_CONFIG。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "data/treasury.db"
	}
	c.Storage.SQLite.Path = resolvePath(baseDir, c.Storage.SQLite.Path)

	c.Intake.Driver = strings.ToLower(strings.TrimSpace(c.Intake.Driver))
	if c.Intake.Driver == "" {
		c.Intake.Driver = "none"
	}
	if c.Intake.Workers <= 0 {
		c.Intake.Workers = 2
	}

	if c.Scheduler.Delay == 0 {
		c.Scheduler.Delay = time.Second
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Scheduler.Intervals == (Intervals{}) {
		c.Scheduler.Intervals = Intervals{
			LimitReset:    time.Minute,
			HighValue:     5 * time.Minute,
			Full:          time.Hour,
			Comprehensive: 24 * time.Hour,
			Health:        30 * time.Second,
		}
	}

	if c.Chains.File != "" {
		c.Chains.File = resolvePath(baseDir, c.Chains.File)
	}

	c.Guidance.Provider = strings.ToLower(strings.TrimSpace(c.Guidance.Provider))
	if c.Guidance.Provider == "" {
		c.Guidance.Provider = "none"
	}
	if c.Guidance.File != "" {
		c.Guidance.File = resolvePath(baseDir, c.Guidance.File)
	}

	if c.Plugins.Dir != "" {
		c.Plugins.Dir = resolvePath(baseDir, c.Plugins.Dir)
	}

	if c.Coordination.Timeout <= 0 {
		c.Coordination.Timeout = 10 * time.Second
	}

	c.Limits.applyDefaults()
	c.Approval.applyDefaults()
	c.Reconciliation.applyDefaults()
	c.Emergency.applyDefaults()
}

// Validate 检查取值是否合法。金额格式在转换为组件配置时再校验。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.MySQL.DSN == "" && c.Storage.MySQL.DSNEnv == "" {
			return errors.New("storage.mysql 需要 dsn 或 dsn_env")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Intake.Driver {
	case "none", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的请求入口: %s", c.Intake.Driver)
	}
	switch c.Guidance.Provider {
	case "none", "static", "openai":
	default:
		return fmt.Errorf("不支持的建议来源: %s", c.Guidance.Provider)
	}
	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("plugins 配置错误: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, account := range c.Accounts {
		id := strings.TrimSpace(account.ID)
		if id == "" {
			return errors.New("accounts 中存在空的账户 ID")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("账户 %s 重复定义", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Secret 返回 envName 指向的环境变量值，未设置时返回 value。
func Secret(value, envName string) string {
	if envName = strings.TrimSpace(envName); envName != "" {
		if v, ok := os.LookupEnv(envName); ok && v != "" {
			return v
		}
	}
	return value
}
