package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置，driver 为 postgres 或 sqlite
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"` // 非空时优先使用
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ChainConfig 单链配置
type ChainConfig struct {
	ChainType       string                    `mapstructure:"chain_type"`       // 链类型 (ethereum, polygon, etc.)
	ChainId         int64                     `mapstructure:"chain_id"`         // 链ID
	RpcUrl          string                    `mapstructure:"rpc_url"`          // RPC节点URL
	PrivateKey      string                    `mapstructure:"private_key"`      // 服务端签名私钥
	Confirmations   int                       `mapstructure:"confirmations"`    // 交易确认区块数
	PollInterval    time.Duration             `mapstructure:"poll_interval"`    // 回执轮询间隔
	SubmitTimeout   time.Duration             `mapstructure:"submit_timeout"`   // 广播超时
	FinalizeTimeout time.Duration             `mapstructure:"finalize_timeout"` // 等待确认超时
	Contracts       map[string]ContractConfig `mapstructure:"contracts"`        // 该链上的合约配置
}

// ContractConfig 单个合约配置
type ContractConfig struct {
	Address  string `mapstructure:"address"`   // 合约地址
	ABIPath  string `mapstructure:"abi_path"`  // ABI文件路径，为空时使用内置ABI
	Enabled  bool   `mapstructure:"enabled"`   // 是否启用此合约
	BlockNum int64  `mapstructure:"block_num"` // 合约部署区块号
}

// ScorerConfig AI 评审子进程配置
type ScorerConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// RedisConfig 幂等缓存，Addr 为空时使用进程内存储
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// ReconcilePolicy 链上登记与本地存储不一致时的处理策略
type ReconcilePolicy string

const (
	ReconcileOff     ReconcilePolicy = "off"     // 不注册对账任务
	ReconcileReport  ReconcilePolicy = "report"  // 只记录日志和指标
	ReconcilePersist ReconcilePolicy = "persist" // 复查回执并补写申请记录
)

type ReconcileConfig struct {
	Policy      ReconcilePolicy `mapstructure:"policy"`
	Interval    time.Duration   `mapstructure:"interval"`
	MinAge      time.Duration   `mapstructure:"min_age"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	BatchSize   int             `mapstructure:"batch_size"`
}

// MonitorConfig 投票结果事件监控配置
type MonitorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int64         `mapstructure:"batch_size"`
	PoolSize  int           `mapstructure:"pool_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// FundingContractName 资助合约在 chain.contracts 中的名称
const FundingContractName = "funding"

// Funding 返回资助合约配置
func (c ChainConfig) Funding() (ContractConfig, bool) {
	cc, ok := c.Contracts[FundingContractName]
	return cc, ok && cc.Enabled
}

// envBindings 兼容原有部署使用的环境变量名
var envBindings = map[string]string{
	"server.port":       "PORT",
	"database.dsn":      "DATABASE_URL",
	"chain.rpc_url":     "RPC_URL",
	"chain.private_key": "SERVER_WALLET_PRIVATE_KEY",
	"auth.jwt_secret":   "JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3001")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "aidefund")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("chain.chain_type", "ethereum")
	v.SetDefault("chain.chain_id", 1337)
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.confirmations", 0)
	v.SetDefault("chain.poll_interval", "2s")
	v.SetDefault("chain.submit_timeout", "30s")
	v.SetDefault("chain.finalize_timeout", "2m")
	v.SetDefault("scorer.command", "python3")
	v.SetDefault("scorer.args", []string{"../ai-engine/scripts/evaluate.py"})
	v.SetDefault("scorer.dir", "")
	v.SetDefault("scorer.timeout", "30s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "5h")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.idempotency_ttl", "24h")
	v.SetDefault("reconcile.policy", string(ReconcileReport))
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.min_age", "5m")
	v.SetDefault("reconcile.max_attempts", 10)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.batch_size", 500)
	v.SetDefault("monitor.pool_size", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

// Load 加载配置，失败时退出进程
func Load() *Config {
	cfg, err := LoadFrom("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadFrom 从指定文件加载配置，path 为空时按默认路径查找 config.yaml
func LoadFrom(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/aidefund")
	}

	setDefaults(v)

	// 自动读取环境变量，chain.rpc_url -> CHAIN_RPC_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Reconcile.Policy {
	case ReconcileOff, ReconcileReport, ReconcilePersist:
	default:
		return fmt.Errorf("invalid reconcile.policy %q", c.Reconcile.Policy)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver %q", c.Database.Driver)
	}
	if c.Scorer.Timeout <= 0 {
		return errors.New("scorer.timeout must be positive")
	}
	if c.Chain.FinalizeTimeout <= 0 || c.Chain.SubmitTimeout <= 0 {
		return errors.New("chain.submit_timeout and chain.finalize_timeout must be positive")
	}
	// 对账只处理请求已经不可能再写入的记录
	if c.Reconcile.Policy != ReconcileOff {
		inFlight := c.Chain.SubmitTimeout + c.Chain.FinalizeTimeout
		if c.Reconcile.MinAge <= inFlight {
			return fmt.Errorf("reconcile.min_age (%s) must exceed chain.submit_timeout + chain.finalize_timeout (%s)",
				c.Reconcile.MinAge, inFlight)
		}
	}
	return nil
}
