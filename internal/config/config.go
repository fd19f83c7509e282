package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string         `mapstructure:"mode"`
	Port       int            `mapstructure:"port"`
	StaticPath string         `mapstructure:"static_path"`
	ReadLimit  int64          `mapstructure:"read_limit"`
	PingPeriod time.Duration  `mapstructure:"ping_period"`
	Secret     string         `mapstructure:"secret"`
	Database   DatabaseConfig `mapstructure:"database"`
	Realtime   RealtimeConfig `mapstructure:"realtime"`
	Call       CallConfig     `mapstructure:"call"`
	Sweep      SweepConfig    `mapstructure:"sweep"`
	Agent      AgentConfig    `mapstructure:"agent"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RealtimeConfig struct {
	Driver   string `mapstructure:"driver"`
	RedisURL string `mapstructure:"redis_url"`
}

type CallConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	StartMuted        bool          `mapstructure:"start_muted"`
	Transport         string        `mapstructure:"transport"`
	Devices           DevicesConfig `mapstructure:"devices"`
}

type DevicesConfig struct {
	Audio bool `mapstructure:"audio"`
	Video bool `mapstructure:"video"`
}

type SweepConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// AgentConfig is the signed-in user of this agent.
type AgentConfig struct {
	UserID string `mapstructure:"user_id"`
	Email  string `mapstructure:"email"`
	Name   string `mapstructure:"name"`
}

// ICEServerList returns the configured urls, one server each.
func (c CallConfig) ICEServerList() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, u := range c.ICEServers {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("notelify")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | DB: %s | Realtime: %s | Transport: %s\n",
		cfg.Mode, cfg.Port, cfg.Database.Driver, cfg.Realtime.Driver, cfg.Call.Transport)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "notelify.db")

	v.SetDefault("realtime.driver", "hub")
	v.SetDefault("realtime.redis_url", "redis://localhost:6379/0")

	v.SetDefault("call.heartbeat_interval", "30s")
	v.SetDefault("call.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("call.start_muted", false)
	v.SetDefault("call.transport", "pion")
	v.SetDefault("call.devices.audio", true)
	v.SetDefault("call.devices.video", true)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 1m")
	v.SetDefault("sweep.stale_after", "2m")

	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.email", "")
	v.SetDefault("agent.name", "")
}

func (c *Config) validate() error {
	switch c.Realtime.Driver {
	case "hub", "redis":
	default:
		return fmt.Errorf("unknown realtime driver %q", c.Realtime.Driver)
	}
	switch c.Call.Transport {
	case "pion", "loopback":
	default:
		return fmt.Errorf("unknown call transport %q", c.Call.Transport)
	}
	if c.Sweep.StaleAfter > 0 && c.Call.HeartbeatInterval >= c.Sweep.StaleAfter {
		return fmt.Errorf("sweep.stale_after (%s) must exceed call.heartbeat_interval (%s)",
			c.Sweep.StaleAfter, c.Call.HeartbeatInterval)
	}
	return nil
}
