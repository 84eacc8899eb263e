package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const (
	defaultAddr             = "localhost:8000"
	defaultLogLevel         = "INFO"
	defaultQueueSize        = 256
	defaultDatetimeFormat   = "02.01.2006 15:04:05"
	defaultTypingRate       = 2.0
	defaultTypingBurst      = 3
	defaultNotifyThreshold  = 30 * time.Minute
	defaultRecentWindow     = 7 * 24 * time.Hour
	defaultCronSpec         = "*/5 * * * *"
	defaultSiteName         = "lightspeed-rooms"
	defaultSMTPPort         = 25
	defaultBreakerFailures  = 5
	defaultBreakerOpenAfter = time.Minute
)

// Config is the global configuration object which is filled via the configuration file, the
// environment and command line flags. It is passed explicitly to every component.
type Config struct {
	Addr              string            `mapstructure:"addr"`
	LogLevel          string            `mapstructure:"log_level"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	ActivityConfig    ActivityConfig    `mapstructure:"activity"`
	BusConfig         BusConfig         `mapstructure:"bus"`
	ChatConfig        ChatConfig        `mapstructure:"chat"`
	NotifyConfig      NotifyConfig      `mapstructure:"notify"`
	MailConfig        MailConfig        `mapstructure:"mail"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

// AuthConfig enables authentication via a header set by a trusted reverse proxy. The header
// carries the username.
type AuthConfig struct {
	TrustedHeader string `mapstructure:"trusted_header"`
}

// PersistenceConfig selects the gorm dialect ("sqlite" or "postgres") and its DSN.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// ActivityConfig configures the BuntDB file keeping the users' last activity. An empty path
// disables activity tracking.
type ActivityConfig struct {
	Path string `mapstructure:"path"`
}

type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type ChatConfig struct {
	DatetimeFormat string            `mapstructure:"datetime_format"` // Go time layout
	MessageTypes   map[string]string `mapstructure:"message_types"`
	TypingRate     float64           `mapstructure:"typing_rate"` // typing frames per second and user
	TypingBurst    int               `mapstructure:"typing_burst"`
}

// NotifyConfig configures unread computation and the e-mail digest.
type NotifyConfig struct {
	Threshold       time.Duration `mapstructure:"threshold"`
	RecentWindow    time.Duration `mapstructure:"recent_window"`
	CronSpec        string        `mapstructure:"cron_spec"`
	LockPath        string        `mapstructure:"lock_path"`
	RecipientFilter string        `mapstructure:"recipient_filter"` // expr expression over User
	SiteName        string        `mapstructure:"site_name"`
	UseActivity     bool          `mapstructure:"use_activity"` // only notify users inactive for Threshold
}

type MailConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	From             string        `mapstructure:"from"`
	UseTLS           bool          `mapstructure:"use_tls"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenAfter time.Duration `mapstructure:"breaker_open_after"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		Addr:     defaultAddr,
		LogLevel: defaultLogLevel,
		BusConfig: BusConfig{
			QueueSize: defaultQueueSize,
		},
		ChatConfig: ChatConfig{
			DatetimeFormat: defaultDatetimeFormat,
			MessageTypes:   copyTemplates(types.DefaultMessageTemplates),
			TypingRate:     defaultTypingRate,
			TypingBurst:    defaultTypingBurst,
		},
		NotifyConfig: NotifyConfig{
			Threshold:    defaultNotifyThreshold,
			RecentWindow: defaultRecentWindow,
			CronSpec:     defaultCronSpec,
			SiteName:     defaultSiteName,
		},
		MailConfig: MailConfig{
			Port:             defaultSMTPPort,
			BreakerFailures:  defaultBreakerFailures,
			BreakerOpenAfter: defaultBreakerOpenAfter,
		},
	}
}

func copyTemplates(m map[string]string) map[string]string {
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", defaultAddr, "ws service address (including port)")
	flagSet.String("log-level", defaultLogLevel, "log level")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("bus.queue_size", def.BusConfig.QueueSize)
	v.SetDefault("chat.datetime_format", def.ChatConfig.DatetimeFormat)
	v.SetDefault("chat.typing_rate", def.ChatConfig.TypingRate)
	v.SetDefault("chat.typing_burst", def.ChatConfig.TypingBurst)
	v.SetDefault("notify.threshold", def.NotifyConfig.Threshold)
	v.SetDefault("notify.recent_window", def.NotifyConfig.RecentWindow)
	v.SetDefault("notify.cron_spec", def.NotifyConfig.CronSpec)
	v.SetDefault("notify.site_name", def.NotifyConfig.SiteName)
	v.SetDefault("mail.port", def.MailConfig.Port)
	v.SetDefault("mail.breaker_failures", def.MailConfig.BreakerFailures)
	v.SetDefault("mail.breaker_open_after", def.MailConfig.BreakerOpenAfter)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("LSROOMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, err
		}
	}
	cfg := Default()
	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, err
	}
	// configured templates override single kinds only
	templates := copyTemplates(types.DefaultMessageTemplates)
	for k, t := range cfg.ChatConfig.MessageTypes {
		templates[strings.ToLower(k)] = t
	}
	cfg.ChatConfig.MessageTypes = templates

	globals.AppLogger.Debug("config", "cfg", cfg)
	return cfg, nil
}
