// Package config loads control-plane and agent settings from defaults, an
// optional YAML file and SITEFLEET_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SITEFLEET_HTTP_ADDR.
const EnvPrefix = "SITEFLEET"

// ServerConfig holds runtime configuration for the control plane.
type ServerConfig struct {
	HTTPAddr        string           `mapstructure:"http_addr"`
	DBPath          string           `mapstructure:"db_path"`
	NATSAddr        string           `mapstructure:"nats_addr"`
	NATSStoreDir    string           `mapstructure:"nats_store_dir"`
	TemplatesDir    string           `mapstructure:"templates_dir"`
	WatchTemplates  bool             `mapstructure:"watch_templates"`
	LogLevel        string           `mapstructure:"log_level"`
	ACMEEmail       string           `mapstructure:"acme_email"`
	MonitorInterval time.Duration    `mapstructure:"monitor_interval"`
	Dispatcher      DispatcherConfig `mapstructure:"dispatcher"`
	Transport       TransportConfig  `mapstructure:"transport"`
}

// DispatcherConfig tunes the background task consumer.
type DispatcherConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	AckWait     time.Duration `mapstructure:"ack_wait"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// TransportConfig tunes calls to worker nodes.
type TransportConfig struct {
	ShortTimeout time.Duration `mapstructure:"short_timeout"`
	LongTimeout  time.Duration `mapstructure:"long_timeout"`
	LoopbackHost string        `mapstructure:"loopback_host"`
}

// AgentConfig holds runtime configuration for a worker node.
type AgentConfig struct {
	Addr              string        `mapstructure:"addr"`
	WorkerKey         string        `mapstructure:"worker_key"`
	SitesRoot         string        `mapstructure:"sites_root"`
	LogLevel          string        `mapstructure:"log_level"`
	CertbotBin        string        `mapstructure:"certbot_bin"`
	AuthFailureLimit  int           `mapstructure:"auth_failure_limit"`
	AuthFailureWindow time.Duration `mapstructure:"auth_failure_window"`
	Proxy             ProxyConfig   `mapstructure:"proxy"`
	Redis             RedisConfig   `mapstructure:"redis"`
}

// ProxyConfig describes how the agent manages reverse-proxy fragments.
type ProxyConfig struct {
	ConfigDir       string `mapstructure:"config_dir"`
	ValidateCommand string `mapstructure:"validate_command"`
	ReloadCommand   string `mapstructure:"reload_command"`
	// Container, when set, reloads the proxy by sending SIGHUP to this
	// container instead of running ReloadCommand.
	Container string `mapstructure:"container"`
}

// RedisConfig enables the shared auth-failure limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadServer builds a ServerConfig. path may be empty.
func LoadServer(path string) (ServerConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return ServerConfig{}, err
	}
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("db_path", "sitefleet.db")
	v.SetDefault("nats_addr", "127.0.0.1:4222")
	v.SetDefault("nats_store_dir", "data/jetstream")
	v.SetDefault("templates_dir", "templates")
	v.SetDefault("watch_templates", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("acme_email", "")
	v.SetDefault("monitor_interval", 30*time.Second)
	v.SetDefault("dispatcher.max_attempts", 5)
	v.SetDefault("dispatcher.ack_wait", 6*time.Minute)
	v.SetDefault("dispatcher.retry_delay", 10*time.Second)
	v.SetDefault("dispatcher.task_timeout", 5*time.Minute)
	v.SetDefault("transport.short_timeout", 60*time.Second)
	v.SetDefault("transport.long_timeout", 300*time.Second)
	v.SetDefault("transport.loopback_host", "127.0.0.1")

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("decode server config: %w", err)
	}
	return cfg, nil
}

// LoadAgent builds an AgentConfig. path may be empty.
func LoadAgent(path string) (AgentConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return AgentConfig{}, err
	}
	v.SetDefault("addr", "0.0.0.0:8090")
	v.SetDefault("worker_key", "")
	v.SetDefault("sites_root", "/var/www/sites")
	v.SetDefault("log_level", "info")
	v.SetDefault("certbot_bin", "certbot")
	v.SetDefault("auth_failure_limit", 10)
	v.SetDefault("auth_failure_window", time.Minute)
	v.SetDefault("proxy.config_dir", "/etc/nginx/conf.d")
	v.SetDefault("proxy.validate_command", "nginx -t")
	v.SetDefault("proxy.reload_command", "nginx -s reload")
	v.SetDefault("proxy.container", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the agent cannot start without.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.WorkerKey) == "" {
		return fmt.Errorf("worker key required")
	}
	if strings.TrimSpace(c.SitesRoot) == "" {
		return fmt.Errorf("sites root required")
	}
	return nil
}
