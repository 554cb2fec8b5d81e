package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zhouzirui/pairchat/internal/service/session"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Pairing PairingConfig
	Session SessionConfig
	Relay   RelayConfig
	Log     LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// PublicURL 写入令牌的中继地址，扫码方据此连接。
	PublicURL string
}

// PairingConfig 描述令牌签发与认领配置。
type PairingConfig struct {
	TokenValidity time.Duration
	MaxValidity   time.Duration
	MaxPending    int
	// MaxOpen 全局未认领令牌上限
	MaxOpen       int
	Retention     time.Duration
	SweepInterval time.Duration
	RateLimit     float64
	RateBurst     int
}

// SessionConfig 描述会话计时与缓冲配置。
type SessionConfig struct {
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
	IdleTimeout      time.Duration
	GapTimeout       time.Duration
	ReorderWindow    int
	BacklogLimit     int
	MaxPayload       int
}

// RelayConfig 描述 WebSocket 中继配置。
type RelayConfig struct {
	ReadTimeout  time.Duration
	PingInterval time.Duration
	MaxRooms     int
	MaxFrameSize int64
	PruneIdle    time.Duration
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

// Default 返回未做任何配置时的取值。
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		Server: ServerConfig{Addr: ":8080", PublicURL: "http://localhost:8080"},
		Pairing: PairingConfig{
			TokenValidity: 2 * time.Minute,
			MaxValidity:   10 * time.Minute,
			MaxPending:    8,
			MaxOpen:       1024,
			Retention:     5 * time.Minute,
			SweepInterval: 30 * time.Second,
			RateLimit:     5,
			RateBurst:     20,
		},
		Session: SessionConfig{
			HandshakeTimeout: sc.HandshakeTimeout,
			GracePeriod:      sc.GracePeriod,
			IdleTimeout:      sc.IdleTimeout,
			GapTimeout:       sc.GapTimeout,
			ReorderWindow:    sc.ReorderWindow,
			BacklogLimit:     sc.BacklogLimit,
			MaxPayload:       sc.MaxPayload,
		},
		Relay: RelayConfig{
			ReadTimeout:  60 * time.Second,
			PingInterval: 54 * time.Second,
			MaxRooms:     1024,
			MaxFrameSize: 128 * 1024,
			PruneIdle:    30 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load 依次应用默认值、PAIRCHAT_CONFIG 指向的 TOML 文件和环境变量。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("PAIRCHAT_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值之间的约束。
func (c *Config) Validate() error {
	if c.Pairing.TokenValidity <= 0 {
		return fmt.Errorf("token validity must be positive, got %s", c.Pairing.TokenValidity)
	}
	if c.Pairing.MaxValidity < c.Pairing.TokenValidity {
		return fmt.Errorf("max token validity %s is below the default %s", c.Pairing.MaxValidity, c.Pairing.TokenValidity)
	}
	if c.Pairing.MaxPending < 1 {
		return fmt.Errorf("max pending tokens must be at least 1, got %d", c.Pairing.MaxPending)
	}
	if c.Pairing.MaxOpen < c.Pairing.MaxPending {
		return fmt.Errorf("max open tokens %d is below max pending %d", c.Pairing.MaxOpen, c.Pairing.MaxPending)
	}
	if c.Relay.PingInterval >= c.Relay.ReadTimeout {
		return fmt.Errorf("relay ping interval %s must be shorter than read timeout %s", c.Relay.PingInterval, c.Relay.ReadTimeout)
	}
	if c.Session.MaxPayload <= 0 || int64(c.Session.MaxPayload) >= c.Relay.MaxFrameSize {
		return fmt.Errorf("session max payload %d must be positive and below relay frame size %d", c.Session.MaxPayload, c.Relay.MaxFrameSize)
	}
	return nil
}

// SessionOptions 转换为会话层配置。
func (c SessionConfig) SessionOptions() session.Config {
	sc := session.DefaultConfig()
	sc.HandshakeTimeout = c.HandshakeTimeout
	sc.GracePeriod = c.GracePeriod
	sc.IdleTimeout = c.IdleTimeout
	sc.GapTimeout = c.GapTimeout
	sc.ReorderWindow = c.ReorderWindow
	sc.BacklogLimit = c.BacklogLimit
	sc.MaxPayload = c.MaxPayload
	return sc
}

// duration 让 TOML 中的 "90s" 这类字符串解析为 time.Duration。
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type fileConfig struct {
	Server struct {
		Addr      string `toml:"addr"`
		PublicURL string `toml:"public_url"`
	} `toml:"server"`
	Pairing struct {
		TokenValidity duration `toml:"token_validity"`
		MaxValidity   duration `toml:"max_validity"`
		MaxPending    int      `toml:"max_pending"`
		MaxOpen       int      `toml:"max_open"`
		Retention     duration `toml:"retention"`
		SweepInterval duration `toml:"sweep_interval"`
		RateLimit     float64  `toml:"rate_limit"`
		RateBurst     int      `toml:"rate_burst"`
	} `toml:"pairing"`
	Session struct {
		HandshakeTimeout duration `toml:"handshake_timeout"`
		GracePeriod      duration `toml:"grace_period"`
		IdleTimeout      duration `toml:"idle_timeout"`
		GapTimeout       duration `toml:"gap_timeout"`
		ReorderWindow    int      `toml:"reorder_window"`
		BacklogLimit     int      `toml:"backlog_limit"`
		MaxPayload       int      `toml:"max_payload"`
	} `toml:"session"`
	Relay struct {
		ReadTimeout  duration `toml:"read_timeout"`
		PingInterval duration `toml:"ping_interval"`
		MaxRooms     int      `toml:"max_rooms"`
		MaxFrameSize int64    `toml:"max_frame_size"`
		PruneIdle    duration `toml:"prune_idle"`
	} `toml:"relay"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, v duration, dst *time.Duration) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = v.Duration
		}
	}
	num := func(key string, v int, dst *int) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = v
		}
	}

	str("server.addr", raw.Server.Addr, &c.Server.Addr)
	str("server.public_url", raw.Server.PublicURL, &c.Server.PublicURL)

	dur("pairing.token_validity", raw.Pairing.TokenValidity, &c.Pairing.TokenValidity)
	dur("pairing.max_validity", raw.Pairing.MaxValidity, &c.Pairing.MaxValidity)
	num("pairing.max_pending", raw.Pairing.MaxPending, &c.Pairing.MaxPending)
	num("pairing.max_open", raw.Pairing.MaxOpen, &c.Pairing.MaxOpen)
	dur("pairing.retention", raw.Pairing.Retention, &c.Pairing.Retention)
	dur("pairing.sweep_interval", raw.Pairing.SweepInterval, &c.Pairing.SweepInterval)
	if meta.IsDefined("pairing", "rate_limit") {
		c.Pairing.RateLimit = raw.Pairing.RateLimit
	}
	num("pairing.rate_burst", raw.Pairing.RateBurst, &c.Pairing.RateBurst)

	dur("session.handshake_timeout", raw.Session.HandshakeTimeout, &c.Session.HandshakeTimeout)
	dur("session.grace_period", raw.Session.GracePeriod, &c.Session.GracePeriod)
	dur("session.idle_timeout", raw.Session.IdleTimeout, &c.Session.IdleTimeout)
	dur("session.gap_timeout", raw.Session.GapTimeout, &c.Session.GapTimeout)
	num("session.reorder_window", raw.Session.ReorderWindow, &c.Session.ReorderWindow)
	num("session.backlog_limit", raw.Session.BacklogLimit, &c.Session.BacklogLimit)
	num("session.max_payload", raw.Session.MaxPayload, &c.Session.MaxPayload)

	dur("relay.read_timeout", raw.Relay.ReadTimeout, &c.Relay.ReadTimeout)
	dur("relay.ping_interval", raw.Relay.PingInterval, &c.Relay.PingInterval)
	num("relay.max_rooms", raw.Relay.MaxRooms, &c.Relay.MaxRooms)
	if meta.IsDefined("relay", "max_frame_size") {
		c.Relay.MaxFrameSize = raw.Relay.MaxFrameSize
	}
	dur("relay.prune_idle", raw.Relay.PruneIdle, &c.Relay.PruneIdle)

	str("log.level", raw.Log.Level, &c.Log.Level)
	str("log.format", raw.Log.Format, &c.Log.Format)
	return nil
}

func (c *Config) overlayEnv() error {
	if os.Getenv("PORT") != "" {
		addr, err := parseAddr(os.Getenv("PORT"))
		if err != nil {
			return err
		}
		c.Server.Addr = addr
	}
	c.Server.PublicURL = getEnvOrDefault("PUBLIC_URL", c.Server.PublicURL)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PAIRCHAT_TOKEN_VALIDITY", &c.Pairing.TokenValidity},
		{"PAIRCHAT_MAX_VALIDITY", &c.Pairing.MaxValidity},
		{"PAIRCHAT_HANDSHAKE_TIMEOUT", &c.Session.HandshakeTimeout},
		{"PAIRCHAT_GRACE_PERIOD", &c.Session.GracePeriod},
		{"PAIRCHAT_IDLE_TIMEOUT", &c.Session.IdleTimeout},
	}
	for _, d := range durations {
		v, err := parseOptionalDurationEnv(d.key)
		if err != nil {
			return err
		}
		if v != nil {
			*d.dst = *v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PAIRCHAT_MAX_PENDING", &c.Pairing.MaxPending},
		{"PAIRCHAT_MAX_OPEN", &c.Pairing.MaxOpen},
		{"PAIRCHAT_RATE_BURST", &c.Pairing.RateBurst},
		{"PAIRCHAT_MAX_PAYLOAD", &c.Session.MaxPayload},
		{"PAIRCHAT_MAX_ROOMS", &c.Relay.MaxRooms},
	}
	for _, n := range ints {
		v, err := parseOptionalIntEnv(n.key)
		if err != nil {
			return err
		}
		if v != nil {
			*n.dst = *v
		}
	}

	rateLimit, err := parseOptionalFloatEnv("PAIRCHAT_RATE_LIMIT")
	if err != nil {
		return err
	}
	if rateLimit != nil {
		c.Pairing.RateLimit = *rateLimit
	}
	return nil
}

// parseAddr 解析服务器监听地址。
func parseAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}
	if port == "" || strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
