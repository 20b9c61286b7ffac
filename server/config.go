package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"zorgworld/world"
)

// EnvPrefix 环境变量覆盖前缀，例如 ZORG_ADDR、ZORG_WORLD_CHUNK_SIZE
const EnvPrefix = "ZORG_"

// Config 服务运行配置：默认值 → YAML 文件 → 环境变量
type Config struct {
	Addr    string        `yaml:"addr" env:"ADDR" json:"addr"`
	World   WorldConfig   `yaml:"world" envPrefix:"WORLD_" json:"world"`
	WS      WSConfig      `yaml:"ws" envPrefix:"WS_" json:"ws"`
	Janitor JanitorConfig `yaml:"janitor" envPrefix:"JANITOR_" json:"janitor"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_" json:"log"`
	Journal JournalConfig `yaml:"journal" envPrefix:"JOURNAL_" json:"journal"`
	Debug   DebugConfig   `yaml:"debug" envPrefix:"DEBUG_" json:"debug"`
}

// WorldConfig 世界边界与区块参数
type WorldConfig struct {
	Width           float64 `yaml:"width" env:"WIDTH" json:"width"`
	Height          float64 `yaml:"height" env:"HEIGHT" json:"height"`
	ChunkSize       float64 `yaml:"chunk_size" env:"CHUNK_SIZE" json:"chunkSize"`
	Step            float64 `yaml:"step" env:"STEP" json:"step"`
	ReplayCapacity  int     `yaml:"replay_capacity" env:"REPLAY_CAPACITY" json:"replayCapacity"`
	DuplicatePolicy string  `yaml:"duplicate_policy" env:"DUPLICATE_POLICY" json:"duplicatePolicy"`
}

type WSConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"READ_BUFFER_SIZE" json:"readBufferSize"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WRITE_BUFFER_SIZE" json:"writeBufferSize"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" json:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" json:"writeTimeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES" json:"maxMessageBytes"`
}

// JanitorConfig 空闲区块回收
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL" json:"interval"`
	IdleTTL  time.Duration `yaml:"idle_ttl" env:"IDLE_TTL" json:"idleTTL"`
}

type LogConfig struct {
	File    string `yaml:"file" env:"FILE" json:"file"`
	Level   string `yaml:"level" env:"LEVEL" json:"level"`
	Console bool   `yaml:"console" env:"CONSOLE" json:"console"`
}

// JournalConfig 变更日志（zstd 压缩 JSONL）
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED" json:"enabled"`
	Dir     string `yaml:"dir" env:"DIR" json:"dir"`
}

// DebugConfig 锁诊断
type DebugConfig struct {
	DetectDeadlocks bool          `yaml:"detect_deadlocks" env:"DETECT_DEADLOCKS" json:"detectDeadlocks"`
	DeadlockTimeout time.Duration `yaml:"deadlock_timeout" env:"DEADLOCK_TIMEOUT" json:"deadlockTimeout"`
}

// DefaultConfig 默认配置，便于快速试跑
func DefaultConfig() Config {
	return Config{
		Addr: ":8080",
		World: WorldConfig{
			Width:           256,
			Height:          256,
			ChunkSize:       32,
			Step:            1,
			ReplayCapacity:  world.DefaultReplayCapacity,
			DuplicatePolicy: world.DuplicateReject.String(),
		},
		WS: WSConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			MaxMessageBytes: 1 << 20,
		},
		Janitor: JanitorConfig{
			Interval: 30 * time.Second,
			IdleTTL:  5 * time.Minute,
		},
		Log: LogConfig{
			File:  "app.log",
			Level: "info",
		},
		Journal: JournalConfig{
			Dir: "journal",
		},
		Debug: DebugConfig{
			DeadlockTimeout: 30 * time.Second,
		},
	}
}

// LoadConfig 读取配置。path 为空时跳过文件，只用默认值和环境变量。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Normalize 填补缺省值并裁剪到合理范围
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.World.Step <= 0 {
		c.World.Step = def.World.Step
	}
	if c.World.ReplayCapacity <= 0 {
		c.World.ReplayCapacity = def.World.ReplayCapacity
	}
	if c.World.ReplayCapacity > 1<<16 {
		c.World.ReplayCapacity = 1 << 16
	}
	c.World.DuplicatePolicy = strings.ToLower(strings.TrimSpace(c.World.DuplicatePolicy))
	if c.World.DuplicatePolicy == "" {
		c.World.DuplicatePolicy = def.World.DuplicatePolicy
	}
	if c.WS.ReadBufferSize <= 0 {
		c.WS.ReadBufferSize = def.WS.ReadBufferSize
	}
	if c.WS.WriteBufferSize <= 0 {
		c.WS.WriteBufferSize = def.WS.WriteBufferSize
	}
	if c.WS.ReadTimeout <= 0 {
		c.WS.ReadTimeout = def.WS.ReadTimeout
	}
	if c.WS.WriteTimeout <= 0 {
		c.WS.WriteTimeout = def.WS.WriteTimeout
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = def.WS.MaxMessageBytes
	}
	if c.Janitor.Interval <= 0 {
		c.Janitor.Interval = def.Janitor.Interval
	}
	if c.Janitor.IdleTTL < 0 {
		c.Janitor.IdleTTL = 0
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = def.Journal.Dir
	}
	if c.Debug.DeadlockTimeout <= 0 {
		c.Debug.DeadlockTimeout = def.Debug.DeadlockTimeout
	}
}

// Validate 校验无法自动修正的配置
func (c Config) Validate() error {
	var errs []error
	if c.World.Width <= 0 || c.World.Height <= 0 {
		errs = append(errs, fmt.Errorf("world bounds must be positive, got %vx%v", c.World.Width, c.World.Height))
	}
	if c.World.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("world.chunk_size must be positive, got %v", c.World.ChunkSize))
	}
	if _, err := world.ParseDuplicatePolicy(c.World.DuplicatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("world.duplicate_policy: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// DuplicatePolicy 已校验过的重复注册策略
func (c Config) DuplicatePolicy() world.DuplicatePolicy {
	p, _ := world.ParseDuplicatePolicy(c.World.DuplicatePolicy)
	return p
}
