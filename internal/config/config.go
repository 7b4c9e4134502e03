package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultServerURL   = "http://localhost:8080"
	DefaultListenAddr  = ":8080"
	DefaultStoreDriver = "sqlite"
	DefaultRecordTTL   = 24 * time.Hour
	DefaultSTUN        = "stun:stun.l.google.com:19302"
	EnvPrefix          = "WARPLINK"
)

// Config holds application configuration
type Config struct {
	// ServerURL is the record server clients talk to.
	ServerURL string `mapstructure:"server_url"`

	// PublicURL prefixes direct links handed out by the server.
	PublicURL   string        `mapstructure:"public_url"`
	ListenAddr  string        `mapstructure:"listen_addr"`
	DataDir     string        `mapstructure:"data_dir"`
	StoreDriver string        `mapstructure:"store_driver"`
	RecordTTL   time.Duration `mapstructure:"record_ttl"`
	MDNS        bool          `mapstructure:"mdns"`

	// ICE servers for WebRTC
	STUNServer string `mapstructure:"stun_server"`
	TURNServer string `mapstructure:"turn_server"`
	TURNUser   string `mapstructure:"turn_user"`
	TURNPass   string `mapstructure:"turn_pass"`
	ForceRelay bool   `mapstructure:"force_relay"`
}

// Options for loading config with CLI flag overrides. Zero values leave the
// lower-priority source in place.
type Options struct {
	ConfigFile  string
	ServerURL   string
	PublicURL   string
	ListenAddr  string
	DataDir     string
	StoreDriver string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	MDNS        bool
}

// legacyEnv are unprefixed variables still honoured after the prefixed ones.
var legacyEnv = map[string]string{
	"stun_server": "STUN_SERVER",
	"turn_server": "TURN_SERVER",
	"turn_user":   "TURN_USERNAME",
	"turn_pass":   "TURN_PASSWORD",
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (WARPLINK_*, after loading .env)
// 3. warplink.yaml in . or $HOME/.config/warplink
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	// a missing .env is the normal case
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("public_url", "")
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("store_driver", DefaultStoreDriver)
	v.SetDefault("record_ttl", DefaultRecordTTL)
	v.SetDefault("mdns", false)
	v.SetDefault("stun_server", DefaultSTUN)
	v.SetDefault("turn_server", "")
	v.SetDefault("turn_user", "")
	v.SetDefault("turn_pass", "")
	v.SetDefault("force_relay", false)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("warplink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "warplink"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.apply(opts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) apply(opts Options) {
	override := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	override(&c.ServerURL, opts.ServerURL)
	override(&c.PublicURL, opts.PublicURL)
	override(&c.ListenAddr, opts.ListenAddr)
	override(&c.DataDir, opts.DataDir)
	override(&c.StoreDriver, opts.StoreDriver)
	override(&c.STUNServer, opts.STUNServer)
	override(&c.TURNServer, opts.TURNServer)
	override(&c.TURNUser, opts.TURNUser)
	override(&c.TURNPass, opts.TURNPass)
	if opts.ForceRelay {
		c.ForceRelay = true
	}
	if opts.MDNS {
		c.MDNS = true
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
}

// Validate checks values that would only fail much later.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "badger", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.RecordTTL < 0 {
		return fmt.Errorf("record_ttl must not be negative")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "warplink")
	}
	return "./data"
}

// PublicBaseURL returns the address the server reports itself on. Direct
// links only carry PublicURL; without it they stay server-relative.
func (c *Config) PublicBaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	addr := c.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
