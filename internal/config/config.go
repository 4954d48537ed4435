package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"taskremind/pkg/config"
)

type SchedulerConfig struct {
	Port            string `yaml:"port"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	LeaderKey       string `yaml:"leader_key"`
}

type VAPIDConfig struct {
	Subscriber string `yaml:"subscriber"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type NotifierConfig struct {
	Port                  string      `yaml:"port"`
	MaxRetries            int64       `yaml:"max_retries"`
	DedupTTLMinutes       int         `yaml:"dedup_ttl_minutes"`
	HandlerTimeoutSeconds int         `yaml:"handler_timeout_seconds"`
	VAPID                 VAPIDConfig `yaml:"vapid"`
}

type RecurrenceConfig struct {
	Port                  string `yaml:"port"`
	MaxRetries            int64  `yaml:"max_retries"`
	HandlerTimeoutSeconds int    `yaml:"handler_timeout_seconds"`
}

type Config struct {
	MQ          config.MQConfig          `yaml:"mq"`
	DB          config.DBConfig          `yaml:"db"`
	Redis       config.RedisConfig       `yaml:"redis"`
	JWT         config.JWTConfig         `yaml:"jwt"`
	TaskService config.TaskServiceConfig `yaml:"task_service"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	Notifier    NotifierConfig           `yaml:"notifier"`
	Recurrence  RecurrenceConfig         `yaml:"recurrence"`
}

// Load reads the layered YAML config and applies environment overrides.
// Missing broker or Task Service endpoints are fatal: a service that cannot
// reach its collaborators should fail to start, not run degraded.
func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideTaskServiceFromEnv(&cfg.TaskService)
	overrideVAPIDFromEnv(&cfg.Notifier.VAPID)

	if cfg.MQ.URL == "" {
		log.Fatal("mq.url is required (set MQ_URL or config/base.yaml)")
	}
	if cfg.TaskService.BaseURL == "" {
		log.Fatal("task_service.base_url is required (set TASK_SERVICE_URL or config/base.yaml)")
	}

	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.LeaderKey == "" {
		cfg.Scheduler.LeaderKey = "scheduler:leader"
	}
	if cfg.Notifier.MaxRetries <= 0 {
		cfg.Notifier.MaxRetries = 5
	}
	if cfg.Notifier.DedupTTLMinutes <= 0 {
		cfg.Notifier.DedupTTLMinutes = 60
	}
	if cfg.Notifier.HandlerTimeoutSeconds <= 0 {
		cfg.Notifier.HandlerTimeoutSeconds = 30
	}
	if cfg.Recurrence.MaxRetries <= 0 {
		cfg.Recurrence.MaxRetries = 5
	}
	if cfg.Recurrence.HandlerTimeoutSeconds <= 0 {
		cfg.Recurrence.HandlerTimeoutSeconds = 30
	}

	return &cfg
}

func overrideVAPIDFromEnv(cfg *VAPIDConfig) {
	if v := os.Getenv("VAPID_SUBSCRIBER"); v != "" {
		cfg.Subscriber = v
	}
	if v := os.Getenv("VAPID_PUBLIC_KEY"); v != "" {
		cfg.PublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
}
