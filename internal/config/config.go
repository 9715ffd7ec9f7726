// Package config 加载 allot 的配置。
//
// 优先级：默认值 < YAML 文件 < ALLOT_* 环境变量 < 命令行参数。
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"allot/pkg/logger"
)

// Config 完整配置
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Planner   PlannerConfig   `yaml:"planner"`
	Store     StoreConfig     `yaml:"store"`
	Log       logger.Config   `yaml:"log"`
}

// TransportConfig 远程命令的下发方式
type TransportConfig struct {
	Kind             string        `yaml:"kind" env:"ALLOT_TRANSPORT"` // ssh, docker
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"ALLOT_CONNECT_TIMEOUT"`
	SSHBinary        string        `yaml:"ssh_binary" env:"ALLOT_SSH_BINARY"`
	SSHOptions       []string      `yaml:"ssh_options" env:"ALLOT_SSH_OPTIONS"`
	DockerAPIVersion string        `yaml:"docker_api_version" env:"ALLOT_DOCKER_API_VERSION"`
}

// MonitorConfig 轮询间隔和卡死判定窗口
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval" env:"ALLOT_MONITOR_INTERVAL"`
	StallTimeout    time.Duration `yaml:"stall_timeout" env:"ALLOT_STALL_TIMEOUT"`
	AcquireInterval time.Duration `yaml:"acquire_interval" env:"ALLOT_ACQUIRE_INTERVAL"`
}

// PlannerConfig 规模推导的默认值
type PlannerConfig struct {
	Density int `yaml:"density" env:"ALLOT_DENSITY"`
}

// StoreConfig 快照存放位置
type StoreConfig struct {
	Kind        string        `yaml:"kind" env:"ALLOT_STORE"` // file, etcd
	Dir         string        `yaml:"dir" env:"ALLOT_STORE_DIR"`
	Endpoints   []string      `yaml:"endpoints" env:"ALLOT_ETCD_ENDPOINTS"`
	Prefix      string        `yaml:"prefix" env:"ALLOT_ETCD_PREFIX"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"ALLOT_ETCD_DIAL_TIMEOUT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:           "ssh",
			ConnectTimeout: 10 * time.Second,
			SSHBinary:      "ssh",
		},
		Monitor: MonitorConfig{
			Interval:        5 * time.Second,
			StallTimeout:    2 * time.Hour,
			AcquireInterval: 100 * time.Millisecond,
		},
		Planner: PlannerConfig{
			Density: 4,
		},
		Store: StoreConfig{
			Kind:        "file",
			Dir:         ".allot",
			Endpoints:   []string{"localhost:2379"},
			Prefix:      "/allot/jobs/",
			DialTimeout: 5 * time.Second,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Validate 校验枚举字段和时长
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "ssh", "docker":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Store.Kind {
	case "file", "etcd":
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.StallTimeout <= 0 {
		return fmt.Errorf("monitor.stall_timeout must be positive")
	}
	if c.Planner.Density <= 0 {
		return fmt.Errorf("planner.density must be positive")
	}
	if c.Store.Kind == "etcd" && len(c.Store.Endpoints) == 0 {
		return fmt.Errorf("store.endpoints is required for etcd")
	}
	return nil
}

// Loader 从多个来源合并配置
type Loader struct {
	configPath string
	lookupEnv  func(string) (string, bool)
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// WithConfigPath 指定 YAML 配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnv 替换环境变量查找函数，主要给测试用
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load 依次应用默认值、YAML 文件、环境变量
// 命令行参数由调用方随后覆盖
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvToStruct 递归地把环境变量写进结构体字段
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" {
			continue
		}
		value, ok := l.lookupEnv(envTag)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", envTag, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		// time.Duration 也是 int64
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
