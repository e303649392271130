package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vico_home/vicocall/internal/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "VICOCALL"

// Config holds the application configuration.
type Config struct {
	UserID             string        `mapstructure:"user_id"`
	UserName           string        `mapstructure:"user_name"`
	SignalURL          string        `mapstructure:"signal_url"`
	SignalPingInterval time.Duration `mapstructure:"signal_ping_interval"`
	ControlAddr        string        `mapstructure:"control_addr"`
	LogLevel           string        `mapstructure:"log_level"`

	ICEServers        []domain.ICEServer `mapstructure:"ice_servers"`
	ICECredentialsURL string             `mapstructure:"ice_credentials_url"`
	ICECredentialsKey string             `mapstructure:"ice_credentials_key"`

	PreferInPlaceTrackReplace bool          `mapstructure:"prefer_in_place_track_replace"`
	RingTimeout               time.Duration `mapstructure:"ring_timeout"`
	GatherTimeout             time.Duration `mapstructure:"gather_timeout"`
	MaxICERestarts            int           `mapstructure:"max_ice_restarts"`
	RemoteMuteTimeout         time.Duration `mapstructure:"remote_mute_timeout"`

	DeviceDriver      string `mapstructure:"device_driver"`
	VideoWidth        int    `mapstructure:"video_width"`
	VideoHeight       int    `mapstructure:"video_height"`
	RecordRemoteVideo string `mapstructure:"record_remote_video"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Load reads configuration from a .env file (if present), an optional YAML
// file and VICOCALL_* environment variables. Non-empty overrides win over
// everything else. When file is empty, config/vicocall.yaml is used if it
// exists.
func Load(file string, overrides map[string]any) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("vicocall")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for k, val := range overrides {
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = domain.DefaultICEServers()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a real default are still registered so AutomaticEnv
	// reaches them during Unmarshal.
	v.SetDefault("user_id", "")
	v.SetDefault("user_name", "")
	v.SetDefault("signal_url", "")
	v.SetDefault("signal_ping_interval", 25*time.Second)
	v.SetDefault("control_addr", "127.0.0.1:8089")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_credentials_url", "")
	v.SetDefault("ice_credentials_key", "")
	v.SetDefault("prefer_in_place_track_replace", true)
	v.SetDefault("ring_timeout", 30*time.Second)
	v.SetDefault("gather_timeout", 5*time.Second)
	v.SetDefault("max_ice_restarts", 1)
	v.SetDefault("remote_mute_timeout", 3*time.Second)
	v.SetDefault("device_driver", "auto")
	v.SetDefault("video_width", 640)
	v.SetDefault("video_height", 480)
	v.SetDefault("record_remote_video", "")
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (%s_USER_ID)", EnvPrefix)
	}
	if c.SignalURL == "" {
		return fmt.Errorf("signal_url is required (%s_SIGNAL_URL)", EnvPrefix)
	}
	if c.ICECredentialsURL != "" && c.ICECredentialsKey == "" {
		return fmt.Errorf("ice_credentials_key is required with ice_credentials_url")
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d]: no urls", i)
		}
	}
	switch c.DeviceDriver {
	case "auto", "mediadevices", "synthetic":
	default:
		return fmt.Errorf("device_driver %q: want auto, mediadevices or synthetic", c.DeviceDriver)
	}
	return nil
}
