package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 relay 在启动阶段需要加载的核心配置。
type Config struct {
	Server             ServerConfig     `json:"server"`
	Metrics            MetricsConfig    `json:"metrics"`
	Logging            LoggingConfig    `json:"logging"`
	Web3               Web3Config       `json:"web3"`
	DefaultAccount     AccountConfig    `json:"default_account"`
	PreloadedContracts []ContractConfig `json:"preloaded_contracts"`
	Journal            JournalConfig    `json:"journal"`
	Events             EventsConfig     `json:"events"`
	Alerting           AlertingConfig   `json:"alerting"`
	RateLimit          RateLimitConfig  `json:"rate_limit"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address               string `json:"address"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// RequestTimeout 返回单个请求的最长处理时间。
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// MetricsConfig 为空地址时指标只挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 描述日志输出方式。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"max_size_mb"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	NoncePolicy           string `json:"nonce_policy"`
	Confirmations         uint64 `json:"confirmations"`
	ReceiptPollIntervalMS int    `json:"receipt_poll_interval_ms"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// ReceiptPollInterval 返回回执轮询间隔。
func (w Web3Config) ReceiptPollInterval() time.Duration {
	return time.Duration(w.ReceiptPollIntervalMS) * time.Millisecond
}

// ReceiptTimeout 返回等待回执与确认的最长时间。
func (w Web3Config) ReceiptTimeout() time.Duration {
	return time.Duration(w.ReceiptTimeoutSeconds) * time.Second
}

// AccountConfig 描述启动时创建的默认账户。私钥可以直接写在文件中，
// 也可以通过 PrivateKeyEnv 指定的环境变量注入。
type AccountConfig struct {
	Address       string `json:"address"`
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
	ChainID       int64  `json:"chain_id"`
}

// ResolvePrivateKey 返回最终使用的私钥，环境变量优先。
func (a AccountConfig) ResolvePrivateKey() string {
	if name := strings.TrimSpace(a.PrivateKeyEnv); name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.PrivateKey)
}

// ContractConfig 描述预加载到默认账户的合约。
type ContractConfig struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
	ABIPath string          `json:"abi_path"`
}

// Descriptor 返回合约的 ABI 描述，ABIPath 优先于内联 ABI。
func (c ContractConfig) Descriptor() ([]byte, error) {
	if c.ABIPath != "" {
		content, err := os.ReadFile(c.ABIPath)
		if err != nil {
			return nil, fmt.Errorf("读取合约 %s 的 ABI 失败: %w", c.Name, err)
		}
		return content, nil
	}
	if len(c.ABI) == 0 {
		return nil, fmt.Errorf("合约 %s 未配置 ABI", c.Name)
	}
	return c.ABI, nil
}

// JournalConfig 描述交易流水的存储方式。
type JournalConfig struct {
	Driver    string `json:"driver"`
	DSN       string `json:"dsn"`
	Retention int    `json:"retention"`
}

// EventsConfig 描述上链事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable *bool  `json:"durable"`
}

// IsDurable 未配置时默认持久化队列。
func (r RabbitMQConfig) IsDurable() bool {
	return r.Durable == nil || *r.Durable
}

// AlertingConfig 描述失败交易的告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
	Log        *bool  `json:"log"`
}

// LogEnabled 未配置时默认写入审计日志。
func (a AlertingConfig) LogEnabled() bool {
	return a.Log == nil || *a.Log
}

// RateLimitConfig 控制每个账户的提交速率，0 表示不限速。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 检查无法通过默认值补齐的字段。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Web3.RPCURL) == "" && strings.TrimSpace(c.Web3.ChainConfig) == "" {
		return errors.New("web3.rpc_url 与 web3.chain_config 至少需要配置一个")
	}
	switch c.Web3.NoncePolicy {
	case "serialized", "node":
	default:
		return fmt.Errorf("不支持的 nonce 策略: %s", c.Web3.NoncePolicy)
	}
	if strings.TrimSpace(c.DefaultAccount.Address) == "" {
		return errors.New("default_account.address 不能为空")
	}
	seen := make(map[string]struct{}, len(c.PreloadedContracts))
	for i, contract := range c.PreloadedContracts {
		if strings.TrimSpace(contract.Name) == "" {
			return fmt.Errorf("preloaded_contracts[%d] 缺少 name", i)
		}
		if _, ok := seen[contract.Name]; ok {
			return fmt.Errorf("预加载合约 %s 重复", contract.Name)
		}
		seen[contract.Name] = struct{}{}
	}
	switch c.Journal.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("不支持的交易流水存储: %s", c.Journal.Driver)
	}
	switch c.Events.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的事件队列: %s", c.Events.Driver)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = 120
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
	if c.Logging.Audit.MaxSizeMB <= 0 {
		c.Logging.Audit.MaxSizeMB = 100
	}

	if c.Web3.NoncePolicy == "" {
		c.Web3.NoncePolicy = "serialized"
	}
	if c.Web3.Confirmations == 0 {
		c.Web3.Confirmations = 1
	}
	if c.Web3.ReceiptPollIntervalMS <= 0 {
		c.Web3.ReceiptPollIntervalMS = 1000
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 300
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	for i := range c.PreloadedContracts {
		c.PreloadedContracts[i].ABIPath = resolvePath(baseDir, c.PreloadedContracts[i].ABIPath)
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = 512
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Queue == "" {
		c.Events.Redis.Queue = "relay:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "relay.events"
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
