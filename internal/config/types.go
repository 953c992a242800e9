package config

// Config is the on-disk process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Coordinator  *CoordinatorConfig  `json:"coordinator,omitempty"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	HTTP         *HTTPConfig         `json:"http,omitempty"`
	RedisMetrics *RedisMetricsConfig `json:"redis_metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler manager and the executor behind it.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s"
//   - max_concurrent_tasks: 5
//   - default_priority: 5, min_priority: 1, max_priority: 10
//   - metrics_cache_ttl: "30s"
//   - execution_timeout: "0s" (disabled)
//   - stale_running_timeout: "30m"
//   - history_size: 200
type SchedulerConfig struct {
	// Enabled starts the scheduling loop at startup. The manager API works
	// either way.
	Enabled bool `json:"enabled"`

	Interval           string `json:"interval,omitempty"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks,omitempty"`

	DefaultPriority int `json:"default_priority,omitempty"`
	MinPriority     int `json:"min_priority,omitempty"`
	MaxPriority     int `json:"max_priority,omitempty"`

	MetricsCacheTTL     string `json:"metrics_cache_ttl,omitempty"`
	ExecutionTimeout    string `json:"execution_timeout,omitempty"`
	StaleRunningTimeout string `json:"stale_running_timeout,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`

	// Timezone used to resolve wall-clock expressions ("tomorrow", "tonight")
	// and interval patterns. Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	// AgentID binds the primary manager to one agent scope.
	AgentID string `json:"agent_id,omitempty"`
}

// CoordinatorConfig enables one shared timer for agent-bound managers.
//
// Example:
//
//	"coordinator": { "enabled": true, "interval": "15s", "agents": ["ops", "billing"] }
type CoordinatorConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	// Agents lists extra agent scopes; each gets its own manager driven by
	// the coordinator.
	Agents []string `json:"agents,omitempty"`
}

// StorageConfig selects the task registry backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// HTTPConfig controls the optional HTTP surface (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// RedisMetricsConfig publishes per-cycle counters into Redis.
type RedisMetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}
