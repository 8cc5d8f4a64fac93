// Package config loads duocall settings from defaults, an optional YAML file,
// DUOCALL_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DUOCALL_RELAY_URL.
const EnvPrefix = "DUOCALL"

// Glare policies.
const (
	GlareReject = "reject"
	GlareIgnore = "ignore"
)

// Config stores every parameter of a peer or relay process.
type Config struct {
	RelayURL     string        `mapstructure:"relay_url"`
	PeerID       string        `mapstructure:"peer_id"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	Audio        bool          `mapstructure:"audio"`
	Video        bool          `mapstructure:"video"`
	AllowNoMedia bool          `mapstructure:"allow_no_media"`
	GlarePolicy  string        `mapstructure:"glare_policy"`
	AutoCall     bool          `mapstructure:"auto_call"`
	Listen       string        `mapstructure:"listen"`
	Debug        bool          `mapstructure:"debug"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

var defaults = map[string]any{
	"relay_url":      "",
	"peer_id":        "",
	"ice_servers":    []string{"stun:stun.l.google.com:19302"},
	"audio":          true,
	"video":          false,
	"allow_no_media": false,
	"glare_policy":   GlareReject,
	"auto_call":      true,
	"listen":         ":8080",
	"debug":          false,
	"ping_period":    "54s",
	"read_limit":     32768,
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"relay":          "relay_url",
	"id":             "peer_id",
	"ice":            "ice_servers",
	"audio":          "audio",
	"video":          "video",
	"allow-no-media": "allow_no_media",
	"glare":          "glare_policy",
	"auto-call":      "auto_call",
	"listen":         "listen",
	"debug":          "debug",
	"ping-period":    "ping_period",
	"read-limit":     "read_limit",
}

// Flags returns a flag set with every configurable option plus --config.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML config file")
	fs.String("relay", "", "Relay WebSocket URL (e.g. wss://relay.example.com/ws)")
	fs.String("id", "", "Requested peer id (empty: assigned by the relay)")
	fs.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs, in order")
	fs.Bool("audio", true, "Send audio")
	fs.Bool("video", false, "Send video")
	fs.Bool("allow-no-media", false, "Call without local media (receive only)")
	fs.String("glare", GlareReject, "Glare policy when both peers call at once: reject or ignore")
	fs.Bool("auto-call", true, "Call the first peer that joins")
	fs.String("listen", ":8080", "Relay listen address")
	fs.Bool("debug", false, "Enable debug logging")
	fs.Duration("ping-period", 54*time.Second, "Relay keepalive ping period")
	fs.Int64("read-limit", 32768, "Maximum signaling frame size in bytes")
	return fs
}

// Load resolves the configuration. fs must come from Flags and have been
// parsed already; a nil fs uses defaults, file and environment only.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.RelayURL != "" {
		if _, err := NormalizeRelayURL(c.RelayURL); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.GlarePolicy {
	case GlareReject, GlareIgnore:
	default:
		errs = append(errs, fmt.Errorf("invalid glare_policy %q: must be %s or %s", c.GlarePolicy, GlareReject, GlareIgnore))
	}
	for _, s := range c.ICEServers {
		if err := validateICEURL(s); err != nil {
			errs = append(errs, err)
		}
	}
	if c.PingPeriod <= 0 {
		errs = append(errs, fmt.Errorf("ping_period must be positive, got %s", c.PingPeriod))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read_limit must be positive, got %d", c.ReadLimit))
	}
	return errors.Join(errs...)
}

func validateICEURL(raw string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, scheme) && len(raw) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q: want stun:, stuns:, turn: or turns:", raw)
}

// NormalizeRelayURL accepts a bare host or a URL and returns the relay's
// WebSocket endpoint. Schemes other than ws/wss become wss.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
