package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/ddp"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-ddp-client/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type ServerConfig struct {
	URL              string `yaml:"url"`
	AutoReconnect    bool   `yaml:"auto_reconnect"`
	ReconnectTimeout string `yaml:"reconnect_timeout"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
}

type GatewayConfig struct {
	Timeout      string `yaml:"timeout"`
	PollInterval string `yaml:"poll_interval"`
}

// AuthConfig 为空 User 时不登录
type AuthConfig struct {
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	ResumeToken string `yaml:"resume_token"`
}

type DemoConfig struct {
	Subscription string `yaml:"subscription"`
	Params       []any  `yaml:"params,omitempty"`
	Collection   string `yaml:"collection"`
}

type Config struct {
	DebugMode bool          `yaml:"debug_mode"`
	LogDir    string        `yaml:"log_dir"`
	Server    ServerConfig  `yaml:"server"`
	Gateway   GatewayConfig `yaml:"gateway"`
	Auth      AuthConfig    `yaml:"auth"`
	Demo      DemoConfig    `yaml:"demo"`
}

func Default() Config {
	return Config{
		LogDir: "logs",
		Server: ServerConfig{
			URL:              "ws://127.0.0.1:3000/websocket",
			AutoReconnect:    true,
			ReconnectTimeout: utils.FormatDuration(ddp.DefaultReconnectDelay),
			HandshakeTimeout: utils.FormatDuration(ddp.DefaultHandshakeTimeout),
		},
		Gateway: GatewayConfig{
			Timeout:      utils.FormatDuration(gateway.DefaultTimeout),
			PollInterval: utils.FormatDuration(gateway.DefaultPollInterval),
		},
		Demo: DemoConfig{
			Subscription: "publicLists",
			Collection:   "lists",
		},
	}
}

var config Config
var initialized = false

// ReadConfig 读取 path 处的 YAML 配置; 文件不存在时写出默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("read config %s: %w", path, err)
		}
		data, _ := yaml.Marshal(Default())
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("write default config %s: %w", path, err)
		}
		return config, ErrConfigCreated
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return config, fmt.Errorf("%w: the configuration file does not contain valid YAML: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return config, err
	}

	config = cfg
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

func (c Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server.url is empty", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("%w: server.url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server.url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if c.Auth.User != "" && c.Auth.Password == "" && c.Auth.ResumeToken == "" {
		return fmt.Errorf("%w: auth.user requires auth.password or auth.resume_token", ErrInvalidConfig)
	}
	return nil
}

func (s ServerConfig) ReconnectDelay() time.Duration {
	return durationOr(s.ReconnectTimeout, ddp.DefaultReconnectDelay)
}

func (s ServerConfig) Handshake() time.Duration {
	return durationOr(s.HandshakeTimeout, ddp.DefaultHandshakeTimeout)
}

func (g GatewayConfig) WaitTimeout() time.Duration {
	return durationOr(g.Timeout, gateway.DefaultTimeout)
}

func (g GatewayConfig) Interval() time.Duration {
	return durationOr(g.PollInterval, gateway.DefaultPollInterval)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if d := utils.ParseStringTime(s); d > 0 {
		return d
	}
	return fallback
}
