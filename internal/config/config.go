package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Voice    VoiceConfig   `mapstructure:"voice"`
	Legacy   LegacyConfig  `mapstructure:"legacy"`
	WebRTC   WebRTCConfig  `mapstructure:"webrtc"`
	Storage  StorageConfig `mapstructure:"storage"`
	HTTP     HTTPConfig    `mapstructure:"http"`
}

type VoiceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ServerType        string        `mapstructure:"server_type"`
	FallbackOnFailure bool          `mapstructure:"fallback_on_failure"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	EarLocation       string        `mapstructure:"ear_location"`
	MicGain           float32       `mapstructure:"mic_gain"`
	SpeakerVolume     float32       `mapstructure:"speaker_volume"`
}

type LegacyConfig struct {
	DaemonAddr      string        `mapstructure:"daemon_addr"`
	DaemonPath      string        `mapstructure:"daemon_path"`
	AccountServer   string        `mapstructure:"account_server"`
	AccountName     string        `mapstructure:"account_name"`
	AccountPassword string        `mapstructure:"account_password"`
	LoginRetryMax   uint64        `mapstructure:"login_retry_max"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	LeaveTimeout    time.Duration `mapstructure:"leave_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

type WebRTCConfig struct {
	ICEServers       []string      `mapstructure:"ice_servers"`
	ProvisionURL     string        `mapstructure:"provision_url"`
	SignalingURL     string        `mapstructure:"signaling_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryCap         time.Duration `mapstructure:"retry_cap"`
	PositionRate     float64       `mapstructure:"position_rate"`
	DataChannelLabel string        `mapstructure:"data_channel_label"`
}

type StorageConfig struct {
	VolumeFile string `mapstructure:"volume_file"`
}

type HTTPConfig struct {
	Port   int    `mapstructure:"port"`
	Mode   string `mapstructure:"mode"`
	Secret string `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("voice.enabled", true)
	v.SetDefault("voice.server_type", "")
	v.SetDefault("voice.fallback_on_failure", false)
	v.SetDefault("voice.tick_interval", "50ms")
	v.SetDefault("voice.ear_location", "camera")
	v.SetDefault("voice.mic_gain", 0.5)
	v.SetDefault("voice.speaker_volume", 0.5)

	v.SetDefault("legacy.daemon_addr", "127.0.0.1:44125")
	v.SetDefault("legacy.daemon_path", "")
	v.SetDefault("legacy.account_server", "")
	v.SetDefault("legacy.login_retry_max", 10)
	v.SetDefault("legacy.backoff_base", "1s")
	v.SetDefault("legacy.backoff_cap", "30s")
	v.SetDefault("legacy.leave_timeout", "5s")
	v.SetDefault("legacy.dial_timeout", "3s")

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.request_timeout", "10s")
	v.SetDefault("webrtc.retry_base", "1s")
	v.SetDefault("webrtc.retry_cap", "30s")
	v.SetDefault("webrtc.position_rate", 5.0)
	v.SetDefault("webrtc.data_channel_label", "SLData")

	v.SetDefault("storage.volume_file", "volume_settings.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.secret", "")
}

// FileName is the config file selected by CONFIG_ENV (dev by default).
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

// Loader owns the viper instance so the file can be watched after Load.
type Loader struct {
	v *viper.Viper
}

func NewLoader(fileName string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)
	return &Loader{v: v}
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.v.ConfigFileUsed()).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.v.ConfigFileUsed()).Msg("loaded config")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch re-decodes the file on every write and hands the result to onChange.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func Load() (*Config, error) {
	return NewLoader(FileName()).Load()
}
