package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/screenshare/internal/ipc"
	"github.com/breeze-rmm/screenshare/internal/loopback"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	// AuditFile enables the grant/deny audit trail when set.
	AuditFile       string `mapstructure:"audit_file" yaml:"audit_file"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`

	SocketPath  string `mapstructure:"socket_path" yaml:"socket_path"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	MaxConcurrentNegotiations int `mapstructure:"max_concurrent_negotiations" yaml:"max_concurrent_negotiations"`
	NegotiationQueueSize      int `mapstructure:"negotiation_queue_size" yaml:"negotiation_queue_size"`
	RequestRateLimit          int `mapstructure:"request_rate_limit" yaml:"request_rate_limit"`

	EnumerateTimeoutSeconds int  `mapstructure:"enumerate_timeout_seconds" yaml:"enumerate_timeout_seconds"`
	PickerTimeoutSeconds    int  `mapstructure:"picker_timeout_seconds" yaml:"picker_timeout_seconds"`
	FastPathConfirm         bool `mapstructure:"fast_path_confirm" yaml:"fast_path_confirm"`

	// LoopbackMode is "frame" (auxiliary browser context) or "system".
	LoopbackMode           string `mapstructure:"loopback_mode" yaml:"loopback_mode"`
	LoopbackURL            string `mapstructure:"loopback_url" yaml:"loopback_url"`
	LoopbackTimeoutSeconds int    `mapstructure:"loopback_timeout_seconds" yaml:"loopback_timeout_seconds"`

	BrowserControlURL string `mapstructure:"browser_control_url" yaml:"browser_control_url"`
	BrowserBin        string `mapstructure:"browser_bin" yaml:"browser_bin"`
	BrowserHeadless   bool   `mapstructure:"browser_headless" yaml:"browser_headless"`
	BrowserWidth      int    `mapstructure:"browser_width" yaml:"browser_width"`
	BrowserHeight     int    `mapstructure:"browser_height" yaml:"browser_height"`
}

func Default() *Config {
	return &Config{
		LogLevel:                  "info",
		LogFormat:                 "text",
		LogMaxSizeMB:              20,
		LogMaxBackups:             3,
		AuditMaxSizeMB:            50,
		AuditMaxBackups:           3,
		SocketPath:                ipc.DefaultSocketPath(),
		MaxConcurrentNegotiations: 4,
		NegotiationQueueSize:      16,
		RequestRateLimit:          10,
		EnumerateTimeoutSeconds:   15,
		PickerTimeoutSeconds:      600,
		FastPathConfirm:           true,
		LoopbackMode:              "frame",
		LoopbackURL:               loopback.DefaultURL,
		LoopbackTimeoutSeconds:    30,
		BrowserHeadless:           true,
		BrowserWidth:              800,
		BrowserHeight:             1500,
	}
}

// Load reads the config file (explicit path, or screenshare.yaml in the
// default directory / working directory) and SCREENSHARE_* env overrides.
// A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("screenshare")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCREENSHARE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("audit_file", cfg.AuditFile)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("max_concurrent_negotiations", cfg.MaxConcurrentNegotiations)
	v.SetDefault("negotiation_queue_size", cfg.NegotiationQueueSize)
	v.SetDefault("request_rate_limit", cfg.RequestRateLimit)
	v.SetDefault("enumerate_timeout_seconds", cfg.EnumerateTimeoutSeconds)
	v.SetDefault("picker_timeout_seconds", cfg.PickerTimeoutSeconds)
	v.SetDefault("fast_path_confirm", cfg.FastPathConfirm)
	v.SetDefault("loopback_mode", cfg.LoopbackMode)
	v.SetDefault("loopback_url", cfg.LoopbackURL)
	v.SetDefault("loopback_timeout_seconds", cfg.LoopbackTimeoutSeconds)
	v.SetDefault("browser_control_url", cfg.BrowserControlURL)
	v.SetDefault("browser_bin", cfg.BrowserBin)
	v.SetDefault("browser_headless", cfg.BrowserHeadless)
	v.SetDefault("browser_width", cfg.BrowserWidth)
	v.SetDefault("browser_height", cfg.BrowserHeight)
}

func (c *Config) EnumerateTimeout() time.Duration {
	return time.Duration(c.EnumerateTimeoutSeconds) * time.Second
}

func (c *Config) PickerTimeout() time.Duration {
	return time.Duration(c.PickerTimeoutSeconds) * time.Second
}

// LoopbackTimeout is zero when the bind should wait without bound.
func (c *Config) LoopbackTimeout() time.Duration {
	return time.Duration(c.LoopbackTimeoutSeconds) * time.Second
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Screenshare")
	case "darwin":
		return "/Library/Application Support/Screenshare"
	default:
		return "/etc/screenshare"
	}
}
