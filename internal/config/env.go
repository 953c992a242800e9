package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "TASKPILOT"

// Env holds environment overrides (TASKPILOT_*). Unset variables leave the
// file value untouched, so every field is a pointer.
type Env struct {
	LogLevel *string `envconfig:"LOG_LEVEL"`

	SchedulerEnabled   *bool   `envconfig:"SCHEDULER_ENABLED"`
	SchedulerInterval  *string `envconfig:"SCHEDULER_INTERVAL"`
	MaxConcurrentTasks *int    `envconfig:"MAX_CONCURRENT_TASKS"`
	Timezone           *string `envconfig:"TIMEZONE"`
	AgentID            *string `envconfig:"AGENT_ID"`

	StorageDriver *string `envconfig:"STORAGE_DRIVER"`
	StoragePath   *string `envconfig:"STORAGE_PATH"`
	StorageDSN    *string `envconfig:"STORAGE_DSN"`

	HTTPAddr  *string `envconfig:"HTTP_ADDR"`
	HTTPToken *string `envconfig:"HTTP_TOKEN"`

	RedisAddr     *string `envconfig:"REDIS_ADDR"`
	RedisPassword *string `envconfig:"REDIS_PASSWORD"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

// Apply overlays the set variables onto cfg. Setting an address for an
// optional section enables it.
func (e *Env) Apply(cfg *Config) {
	if e == nil || cfg == nil {
		return
	}
	setStr(&cfg.Logging.Level, e.LogLevel)

	if e.SchedulerEnabled != nil {
		cfg.Scheduler.Enabled = *e.SchedulerEnabled
	}
	setStr(&cfg.Scheduler.Interval, e.SchedulerInterval)
	if e.MaxConcurrentTasks != nil {
		cfg.Scheduler.MaxConcurrentTasks = *e.MaxConcurrentTasks
	}
	setStr(&cfg.Scheduler.Timezone, e.Timezone)
	setStr(&cfg.Scheduler.AgentID, e.AgentID)

	if e.StorageDriver != nil || e.StoragePath != nil || e.StorageDSN != nil {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		setStr(&cfg.Storage.Driver, e.StorageDriver)
		setStr(&cfg.Storage.Path, e.StoragePath)
		setStr(&cfg.Storage.DSN, e.StorageDSN)
	}

	if e.HTTPAddr != nil || e.HTTPToken != nil {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		if e.HTTPAddr != nil {
			cfg.HTTP.Enabled = true
			cfg.HTTP.Addr = *e.HTTPAddr
		}
		setStr(&cfg.HTTP.Token, e.HTTPToken)
	}

	if e.RedisAddr != nil || e.RedisPassword != nil {
		if cfg.RedisMetrics == nil {
			cfg.RedisMetrics = &RedisMetricsConfig{}
		}
		if e.RedisAddr != nil {
			cfg.RedisMetrics.Enabled = true
			cfg.RedisMetrics.Addr = *e.RedisAddr
		}
		setStr(&cfg.RedisMetrics.Password, e.RedisPassword)
	}
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
