// Package config loads the layered configuration described in spec.md 6:
// a single value tree grouped into global.* and defaults.* sections, read
// from an optional shmipc.yaml (in the working directory or ./config),
// environment variables and hardcoded defaults; environment variables
// override the file, and the file overrides the defaults.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full layered configuration tree.
type Config struct {
	Global   GlobalConfig   `mapstructure:"global"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// GlobalConfig holds domain-wide settings.
type GlobalConfig struct {
	Prefix  string        `mapstructure:"prefix"`
	Service ServiceConfig `mapstructure:"service"`
}

// ServiceConfig bounds the service create/open state machine.
type ServiceConfig struct {
	CreationTimeout  time.Duration `mapstructure:"creation_timeout"`
	RetryBudget      int           `mapstructure:"retry_budget"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	CreationLockPath string        `mapstructure:"creation_lock_path"`
}

// DefaultsConfig groups per-pattern default capacities.
type DefaultsConfig struct {
	PublishSubscribe PubSubDefaults    `mapstructure:"publish_subscribe"`
	Event            EventDefaults     `mapstructure:"event"`
	RequestResponse  RequestRespDefaults `mapstructure:"request_response"`
}

// PubSubDefaults mirrors spec.md 3's Publish-Subscribe static parameters.
type PubSubDefaults struct {
	MaxPublishers                int  `mapstructure:"max_publishers"`
	MaxSubscribers               int  `mapstructure:"max_subscribers"`
	MaxNodes                     int  `mapstructure:"max_nodes"`
	HistorySize                  int  `mapstructure:"history_size"`
	SubscriberMaxBufferSize      int  `mapstructure:"subscriber_max_buffer_size"`
	SubscriberMaxBorrowedSamples int  `mapstructure:"subscriber_max_borrowed_samples"`
	EnableSafeOverflow           bool `mapstructure:"enable_safe_overflow"`
}

// EventDefaults mirrors spec.md 3's Event static parameters.
type EventDefaults struct {
	MaxNotifiers    int           `mapstructure:"max_notifiers"`
	MaxListeners    int           `mapstructure:"max_listeners"`
	MaxNodes        int           `mapstructure:"max_nodes"`
	EventIdMaxValue uint64        `mapstructure:"event_id_max_value"`
	Deadline        time.Duration `mapstructure:"deadline"`
}

// RequestRespDefaults mirrors spec.md 3's Request-Response static parameters.
type RequestRespDefaults struct {
	MaxClients                          int  `mapstructure:"max_clients"`
	MaxServers                          int  `mapstructure:"max_servers"`
	MaxActiveRequestsPerClient          int  `mapstructure:"max_active_requests_per_client"`
	MaxLoanedRequests                   int  `mapstructure:"max_loaned_requests"`
	MaxResponseBufferSize               int  `mapstructure:"max_response_buffer_size"`
	MaxBorrowedResponsesPerPendingResp  int  `mapstructure:"max_borrowed_responses_per_pending_response"`
	EnableSafeOverflowForRequests       bool `mapstructure:"enable_safe_overflow_requests"`
	EnableSafeOverflowForResponses      bool `mapstructure:"enable_safe_overflow_responses"`
	FireAndForget                       bool `mapstructure:"fire_and_forget"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from an optional shmipc.yaml in the working
// directory or ./config, environment variables (SHMIPC_*, which win over
// the file) and hardcoded defaults, and returns the resolved
// tree. onChange, if non-nil, is invoked whenever the config file changes
// on disk; only non-static-config fields are meant to be acted on by
// callers (StaticConfig stays sealed per spec.md 3 regardless of reload).
func Load(onChange func(Config)) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("shmipc")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SHMIPC")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if onChange != nil {
		v.OnConfigChange(func(fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err == nil {
				onChange(reloaded)
			}
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.prefix", "/tmp/shmipc")
	v.SetDefault("global.service.creation_timeout", 5*time.Second)
	v.SetDefault("global.service.retry_budget", 50)
	v.SetDefault("global.service.retry_backoff", 10*time.Millisecond)
	v.SetDefault("global.service.creation_lock_path", "locks")

	v.SetDefault("defaults.publish_subscribe.max_publishers", 4)
	v.SetDefault("defaults.publish_subscribe.max_subscribers", 32)
	v.SetDefault("defaults.publish_subscribe.max_nodes", 32)
	v.SetDefault("defaults.publish_subscribe.history_size", 0)
	v.SetDefault("defaults.publish_subscribe.subscriber_max_buffer_size", 4)
	v.SetDefault("defaults.publish_subscribe.subscriber_max_borrowed_samples", 4)
	v.SetDefault("defaults.publish_subscribe.enable_safe_overflow", false)

	v.SetDefault("defaults.event.max_notifiers", 16)
	v.SetDefault("defaults.event.max_listeners", 16)
	v.SetDefault("defaults.event.max_nodes", 32)
	v.SetDefault("defaults.event.event_id_max_value", uint64(64))
	v.SetDefault("defaults.event.deadline", time.Duration(0))

	v.SetDefault("defaults.request_response.max_clients", 16)
	v.SetDefault("defaults.request_response.max_servers", 4)
	v.SetDefault("defaults.request_response.max_active_requests_per_client", 8)
	v.SetDefault("defaults.request_response.max_loaned_requests", 4)
	v.SetDefault("defaults.request_response.max_response_buffer_size", 8)
	v.SetDefault("defaults.request_response.max_borrowed_responses_per_pending_response", 4)
	v.SetDefault("defaults.request_response.enable_safe_overflow_requests", false)
	v.SetDefault("defaults.request_response.enable_safe_overflow_responses", false)
	v.SetDefault("defaults.request_response.fire_and_forget", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}
