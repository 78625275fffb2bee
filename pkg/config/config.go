package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Log struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   bool   `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
	Store struct {
		Path     string `yaml:"path" json:"path"`           // badger 数据目录
		InMemory bool   `yaml:"in_memory" json:"in_memory"` // dry-run / 测试用
	} `yaml:"store" json:"store"`
	Audit struct {
		Path string `yaml:"path" json:"path"` // sqlite 文件路径
	} `yaml:"audit" json:"audit"`
	Bus struct {
		Workers           int `yaml:"workers" json:"workers"`
		QueueSize         int `yaml:"queue_size" json:"queue_size"`
		MaxAttempts       int `yaml:"max_attempts" json:"max_attempts"`
		RetryDelaySeconds int `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
	} `yaml:"bus" json:"bus"`
	Dedup struct {
		WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
		Shards        int `yaml:"shards" json:"shards"`
	} `yaml:"dedup" json:"dedup"`
	Ledger struct {
		BaseURL        string `yaml:"base_url" json:"base_url"`
		APIKey         string `yaml:"api_key" json:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"ledger" json:"ledger"`
	Dictionary struct {
		BaseURL        string `yaml:"base_url" json:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"dictionary" json:"dictionary"`
	Channels struct {
		Bitcoin   string `yaml:"bitcoin" json:"bitcoin"`     // 比特币网关 base url
		Ethereum  string `yaml:"ethereum" json:"ethereum"`   // 以太坊网关（原生 + ERC20 共用）
		Colored   string `yaml:"colored" json:"colored"`     // 旧版 colored-coin 网关
		Chrono    string `yaml:"chrono" json:"chrono"`       // 旧版 chrono 网关
		HotWallet string `yaml:"hot_wallet" json:"hot_wallet"` // 默认热钱包地址
		RPS       int    `yaml:"rps" json:"rps"`             // 每个网关的请求速率上限
	} `yaml:"channels" json:"channels"`
	Ingest struct {
		WSURL            string `yaml:"ws_url" json:"ws_url"` // 撮合引擎事件流
		ReconnectSeconds int    `yaml:"reconnect_seconds" json:"reconnect_seconds"`
	} `yaml:"ingest" json:"ingest"`
	ControlPlane struct {
		Listen string `yaml:"listen" json:"listen"`
	} `yaml:"controlplane" json:"controlplane"`
	Notifications struct {
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"notifications" json:"notifications"`
}

// Config 应用配置（解析 + 默认值 + 环境变量覆盖之后的最终形态）
type Config struct {
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	StorePath     string
	StoreInMemory bool
	AuditPath     string

	BusWorkers     int
	BusQueueSize   int
	BusMaxAttempts int
	BusRetryDelay  time.Duration

	DedupWindow time.Duration
	DedupShards int

	LedgerBaseURL     string
	LedgerAPIKey      string
	LedgerTimeout     time.Duration
	DictionaryBaseURL string
	DictionaryTimeout time.Duration

	BitcoinGatewayURL  string
	EthereumGatewayURL string
	ColoredGatewayURL  string
	ChronoGatewayURL   string
	HotWalletAddress   string
	GatewayRPS         int

	IngestWSURL     string
	IngestReconnect time.Duration

	ControlPlaneListen string
	NotificationsURL   string
}

var globalConfig *Config

// Load 从文件加载配置（按扩展名识别 YAML / JSON），
// 然后应用默认值与环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", path)
	}

	cfg := fromFile(&file)
	applyEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// Get 获取全局配置（必须先 Load）
func Get() *Config {
	return globalConfig
}

func fromFile(f *ConfigFile) *Config {
	return &Config{
		LogLevel:      f.Log.Level,
		LogFile:       f.Log.File,
		LogMaxSize:    f.Log.MaxSize,
		LogMaxBackups: f.Log.MaxBackups,
		LogMaxAge:     f.Log.MaxAge,
		LogCompress:   f.Log.Compress,

		StorePath:     f.Store.Path,
		StoreInMemory: f.Store.InMemory,
		AuditPath:     f.Audit.Path,

		BusWorkers:     f.Bus.Workers,
		BusQueueSize:   f.Bus.QueueSize,
		BusMaxAttempts: f.Bus.MaxAttempts,
		BusRetryDelay:  time.Duration(f.Bus.RetryDelaySeconds) * time.Second,

		DedupWindow: time.Duration(f.Dedup.WindowSeconds) * time.Second,
		DedupShards: f.Dedup.Shards,

		LedgerBaseURL:     f.Ledger.BaseURL,
		LedgerAPIKey:      f.Ledger.APIKey,
		LedgerTimeout:     time.Duration(f.Ledger.TimeoutSeconds) * time.Second,
		DictionaryBaseURL: f.Dictionary.BaseURL,
		DictionaryTimeout: time.Duration(f.Dictionary.TimeoutSeconds) * time.Second,

		BitcoinGatewayURL:  f.Channels.Bitcoin,
		EthereumGatewayURL: f.Channels.Ethereum,
		ColoredGatewayURL:  f.Channels.Colored,
		ChronoGatewayURL:   f.Channels.Chrono,
		HotWalletAddress:   f.Channels.HotWallet,
		GatewayRPS:         f.Channels.RPS,

		IngestWSURL:     f.Ingest.WSURL,
		IngestReconnect: time.Duration(f.Ingest.ReconnectSeconds) * time.Second,

		ControlPlaneListen: f.ControlPlane.Listen,
		NotificationsURL:   f.Notifications.BaseURL,
	}
}

// applyEnv 环境变量覆盖（部署时优先于文件）
func applyEnv(cfg *Config) {
	if v := os.Getenv("GOLEDGER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOLEDGER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("GOLEDGER_AUDIT_PATH"); v != "" {
		cfg.AuditPath = v
	}
	if v := os.Getenv("GOLEDGER_LEDGER_URL"); v != "" {
		cfg.LedgerBaseURL = v
	}
	if v := os.Getenv("GOLEDGER_LEDGER_API_KEY"); v != "" {
		cfg.LedgerAPIKey = v
	}
	if v := os.Getenv("GOLEDGER_DICTIONARY_URL"); v != "" {
		cfg.DictionaryBaseURL = v
	}
	if v := os.Getenv("GOLEDGER_INGEST_WS_URL"); v != "" {
		cfg.IngestWSURL = v
	}
	if v := os.Getenv("GOLEDGER_CONTROLPLANE_LISTEN"); v != "" {
		cfg.ControlPlaneListen = v
	}
	if v := os.Getenv("GOLEDGER_BUS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BusWorkers = n
		}
	}
	if v := os.Getenv("GOLEDGER_STORE_IN_MEMORY"); v != "" {
		cfg.StoreInMemory = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSize == 0 {
		c.LogMaxSize = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAge == 0 {
		c.LogMaxAge = 7
	}
	if c.StorePath == "" {
		c.StorePath = "data/ledger"
	}
	if c.AuditPath == "" {
		c.AuditPath = "data/audit.db"
	}
	if c.BusWorkers == 0 {
		c.BusWorkers = 4
	}
	if c.BusQueueSize == 0 {
		c.BusQueueSize = 1024
	}
	if c.BusMaxAttempts == 0 {
		c.BusMaxAttempts = 7
	}
	if c.BusRetryDelay == 0 {
		c.BusRetryDelay = 3 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.DedupShards == 0 {
		c.DedupShards = 16
	}
	if c.LedgerTimeout == 0 {
		c.LedgerTimeout = 10 * time.Second
	}
	if c.DictionaryTimeout == 0 {
		c.DictionaryTimeout = 10 * time.Second
	}
	if c.GatewayRPS == 0 {
		c.GatewayRPS = 10
	}
	if c.IngestReconnect == 0 {
		c.IngestReconnect = 5 * time.Second
	}
	if c.ControlPlaneListen == "" {
		c.ControlPlaneListen = ":8080"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.LedgerBaseURL == "" {
		return fmt.Errorf("配置缺失: ledger.base_url 必须提供")
	}
	if c.DictionaryBaseURL == "" {
		return fmt.Errorf("配置缺失: dictionary.base_url 必须提供")
	}
	if !c.StoreInMemory && c.StorePath == "" {
		return fmt.Errorf("配置缺失: store.path 必须提供（或开启 in_memory）")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("无效的日志级别: %s", c.LogLevel)
	}
	return nil
}
