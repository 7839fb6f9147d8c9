package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"TokenLaunch-Orchestrator/internal/deployer"
	"TokenLaunch-Orchestrator/internal/distribution"
	"TokenLaunch-Orchestrator/internal/reconcile"
	"TokenLaunch-Orchestrator/internal/storage/sqldb"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// 敏感配置只从环境变量读取。
const (
	EnvConfigPath    = "LAUNCHPAD_CONFIG"
	EnvPrivateKey    = "LAUNCHPAD_PRIVATE_KEY"
	EnvDeployerToken = "LAUNCHPAD_DEPLOYER_TOKEN"
	EnvMySQLDSN      = "LAUNCHPAD_MYSQL_DSN"
)

// Config 描述 launchpadd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig        `yaml:"server" json:"server"`
	Logging      logger.Config       `yaml:"logging" json:"logging"`
	Storage      StorageConfig       `yaml:"storage" json:"storage"`
	Queue        task.QueueConfig    `yaml:"queue" json:"queue"`
	Worker       WorkerConfig        `yaml:"worker" json:"worker"`
	Recovery     task.RecoveryConfig `yaml:"recovery" json:"recovery"`
	Web3         Web3Config          `yaml:"web3" json:"web3"`
	Distribution distribution.Config `yaml:"distribution" json:"distribution"`
	Reconciler   reconcile.Config    `yaml:"reconciler" json:"reconciler"`
	Deployer     deployer.Config     `yaml:"deployer" json:"deployer"`
	Alerting     AlertingConfig      `yaml:"alerting" json:"alerting"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig 选择任务与 Agent 的存储后端。Driver 为 memory 或 sql。
type StorageConfig struct {
	Driver string       `yaml:"driver" json:"driver"`
	SQL    sqldb.Config `yaml:"sql" json:"sql"`
}

// WorkerConfig 控制后台工作池。
type WorkerConfig struct {
	Count             int           `yaml:"count" json:"count"`
	FinalWriteTimeout time.Duration `yaml:"final_write_timeout" json:"final_write_timeout"`
	// Heartbeat 为执行中任务刷新 updated_at 的间隔。
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
}

// Web3Config 包含访问区块链节点与托管签名所需的参数。
type Web3Config struct {
	// ChainConfig 指向链定义 YAML 文件。
	ChainConfig         string        `yaml:"chain_config" json:"chain_config"`
	DefaultChain        string        `yaml:"default_chain" json:"default_chain"`
	RPCURL              string        `yaml:"rpc_url" json:"rpc_url"`
	ChainID             int64         `yaml:"chain_id" json:"chain_id"`
	Legacy              bool          `yaml:"legacy" json:"legacy"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" json:"receipt_poll_interval"`
	GasMultiplier       float64       `yaml:"gas_multiplier" json:"gas_multiplier"`
	PrivateKey          string        `yaml:"-" json:"-"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
}

// WebhookConfig 描述 JSON Webhook 告警。URL 为空时仅写审计日志。
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
}

// Load 解析指定路径的配置文件，.json 使用 JSON，其余按 YAML 处理。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值与环境变量的配置，适用于本地开发。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	cfg.applyEnv()
	return &cfg
}

// Validate 检查相互依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sql":
		if strings.TrimSpace(c.Storage.SQL.DSN) == "" {
			return errors.New("storage.sql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Worker.Count <= 0 {
		return errors.New("worker.count 必须大于 0")
	}
	if c.Recovery.StaleAfter > 0 && c.Worker.Heartbeat >= c.Recovery.StaleAfter {
		return errors.New("worker.heartbeat 必须小于 recovery.stale_after")
	}
	if err := c.Distribution.Allocation.Validate(); err != nil {
		return err
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = "mysql"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.FinalWriteTimeout <= 0 {
		c.Worker.FinalWriteTimeout = 10 * time.Second
	}
	if c.Worker.Heartbeat <= 0 {
		c.Worker.Heartbeat = time.Minute
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	c.Distribution.ApplyDefaults()
	c.Reconciler.ApplyDefaults()
	c.Deployer.ApplyDefaults()

	if c.Alerting.Webhook.Timeout <= 0 {
		c.Alerting.Webhook.Timeout = 5 * time.Second
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvPrivateKey)); v != "" {
		c.Web3.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeployerToken)); v != "" {
		c.Deployer.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); v != "" {
		c.Storage.Driver = "sql"
		c.Storage.SQL.Driver = "mysql"
		c.Storage.SQL.DSN = v
	}
}
