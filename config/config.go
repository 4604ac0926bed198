package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "pipeline/config/" + string(c)
}

const (
	ctxKeyConfiguration = contextKey("configurationKey")

	DefaultSlowQueryThreshold = 200 * time.Millisecond

	// QueueNamePlaceholder is substituted with the queue name in QUEUE_URL_TEMPLATE.
	QueueNamePlaceholder = "{queue}"

	defaultQueueURLTemplate  = "mem://" + QueueNamePlaceholder
	defaultSendFlushInterval = 0
	defaultSendMaxBatch      = 100
	defaultReceiveWait       = 5 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultSendRetries       = 3
	defaultWorkerStopTimeout = 30 * time.Second
)

// ToContext adds service configuration to the current supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts service configuration from the supplied context if any exist.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// FromFile loads defaults and environment values first, then overlays the keys present
// in the yaml file at path.
func FromFile[T any](path string) (T, error) {
	cfg, err := FromEnv[T]()
	if err != nil {
		return cfg, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %q: %w", path, err)
	}

	err = yaml.Unmarshal(content, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config file %q: %w", path, err)
	}

	return cfg, nil
}

type ConfigurationDefault struct {
	LogLevel      string `envDefault:"info"                      env:"LOG_LEVEL"       yaml:"log_level"`
	LogFormat     string `envDefault:"info"                      env:"LOG_FORMAT"      yaml:"log_format"`
	LogTimeFormat string `envDefault:"2006-01-02T15:04:05Z07:00" env:"LOG_TIME_FORMAT" yaml:"log_time_format"`
	LogColored    bool   `envDefault:"true"                      env:"LOG_COLORED"     yaml:"log_colored"`

	LogShowStackTrace bool `envDefault:"false" env:"LOG_SHOW_STACK_TRACE" yaml:"log_show_stack_trace"`

	OpenTelemetryDisable    bool    `envDefault:"false" env:"OPENTELEMETRY_DISABLE"        yaml:"opentelemetry_disable"`
	OpenTelemetryTraceRatio float64 `envDefault:"0.1"   env:"OPENTELEMETRY_TRACE_ID_RATIO" yaml:"opentelemetry_trace_id_ratio"`

	ServiceName        string `envDefault:"" env:"SERVICE_NAME"        yaml:"service_name"`
	ServiceEnvironment string `envDefault:"" env:"SERVICE_ENVIRONMENT" yaml:"service_environment"`
	ServiceVersion     string `envDefault:"" env:"SERVICE_VERSION"     yaml:"service_version"`

	// Worker pool settings
	WorkerPoolCPUFactorForWorkerCount int    `envDefault:"10"  env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" yaml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `envDefault:"100" env:"WORKER_POOL_CAPACITY"                    yaml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `envDefault:"1"   env:"WORKER_POOL_COUNT"                       yaml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `envDefault:"1s"  env:"WORKER_POOL_EXPIRY_DURATION"             yaml:"worker_pool_expiry_duration"`

	DatabasePrimaryURL             []string `env:"DATABASE_URL"             yaml:"database_url"`
	DatabaseMigrate                bool     `env:"DO_MIGRATION"             yaml:"do_migration"             envDefault:"false"`
	DatabaseSkipDefaultTransaction bool     `env:"SKIP_DEFAULT_TRANSACTION" yaml:"skip_default_transaction" envDefault:"true"`
	DatabasePreferSimpleProtocol   bool     `env:"PREFER_SIMPLE_PROTOCOL"   yaml:"prefer_simple_protocol"   envDefault:"true"`

	DatabaseMaxIdleConnections           int `envDefault:"2"   env:"DATABASE_MAX_IDLE_CONNECTIONS"                yaml:"database_max_idle_connections"`
	DatabaseMaxOpenConnections           int `envDefault:"5"   env:"DATABASE_MAX_OPEN_CONNECTIONS"                yaml:"database_max_open_connections"`
	DatabaseMaxConnectionLifeTimeSeconds int `envDefault:"300" env:"DATABASE_MAX_CONNECTION_LIFE_TIME_IN_SECONDS" yaml:"database_max_connection_life_time_seconds"`

	DatabaseTraceQueries          bool   `envDefault:"false" env:"DATABASE_LOG_QUERIES"          yaml:"database_log_queries"`
	DatabaseSlowQueryLogThreshold string `envDefault:"200ms" env:"DATABASE_SLOW_QUERY_THRESHOLD" yaml:"database_slow_query_threshold"`

	// Queue settings. QueueURLs entries take precedence over the template.
	QueueURLTemplate       string            `envDefault:"mem://{queue}" env:"QUEUE_URL_TEMPLATE"        yaml:"queue_url_template"`
	QueueURLs              map[string]string `env:"QUEUE_URLS"                 yaml:"queue_urls"                envSeparator:";" envKeyValSeparator:"="`
	QueueSendFlushInterval string            `envDefault:"0s"            env:"QUEUE_SEND_FLUSH_INTERVAL" yaml:"queue_send_flush_interval"`
	QueueSendMaxBatch      int               `envDefault:"100"           env:"QUEUE_SEND_MAX_BATCH"      yaml:"queue_send_max_batch"`
	QueueReceiveWait       string            `envDefault:"5s"            env:"QUEUE_RECEIVE_WAIT"        yaml:"queue_receive_wait"`
	QueueRequestTimeout    string            `envDefault:"30s"           env:"QUEUE_REQUEST_TIMEOUT"     yaml:"queue_request_timeout"`
	QueueSendRetries       int               `envDefault:"3"             env:"QUEUE_SEND_RETRIES"        yaml:"queue_send_retries"`

	WorkerInstances         int            `envDefault:"1"   env:"WORKER_INSTANCES"           yaml:"worker_instances"`
	WorkerInstancesPerQueue map[string]int `env:"WORKER_INSTANCES_PER_QUEUE" yaml:"worker_instances_per_queue" envSeparator:";" envKeyValSeparator:"="`
	WorkerStopTimeout       string         `envDefault:"30s" env:"WORKER_STOP_TIMEOUT"        yaml:"worker_stop_timeout"`

	WorkerRatePerQueue map[string]float64 `env:"WORKER_RATE_PER_QUEUE" yaml:"worker_rate_per_queue" envSeparator:";" envKeyValSeparator:"="`
	WorkerRateBurst    int                `env:"WORKER_RATE_BURST"     yaml:"worker_rate_burst"     envDefault:"1"`

	DiagnosticsEnable  bool   `envDefault:"false" env:"DIAGNOSTICS_ENABLE"  yaml:"diagnostics_enable"`
	DiagnosticsAddress string `envDefault:":6060" env:"DIAGNOSTICS_ADDRESS" yaml:"diagnostics_address"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string {
	return c.ServiceName
}
func (c *ConfigurationDefault) Environment() string {
	return c.ServiceEnvironment
}
func (c *ConfigurationDefault) Version() string {
	return c.ServiceVersion
}

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingFormat() string
	LoggingTimeFormat() string
	LoggingShowStackTrace() bool
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string {
	return c.LogLevel
}

func (c *ConfigurationDefault) LoggingTimeFormat() string {
	return c.LogTimeFormat
}

func (c *ConfigurationDefault) LoggingFormat() string {
	return c.LogFormat
}

func (c *ConfigurationDefault) LoggingColored() bool {
	return c.LogColored
}

func (c *ConfigurationDefault) LoggingShowStackTrace() bool {
	return c.LogShowStackTrace
}

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

type ConfigurationTelemetry interface {
	DisableOpenTelemetry() bool
	SamplingRatio() float64
}

var _ ConfigurationTelemetry = new(ConfigurationDefault)

func (c *ConfigurationDefault) DisableOpenTelemetry() bool {
	return c.OpenTelemetryDisable
}

func (c *ConfigurationDefault) SamplingRatio() float64 {
	return c.OpenTelemetryTraceRatio
}

type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int {
	return c.WorkerPoolCPUFactorForWorkerCount
}

func (c *ConfigurationDefault) GetCapacity() int {
	return c.WorkerPoolCapacity
}

func (c *ConfigurationDefault) GetCount() int {
	return c.WorkerPoolCount
}

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	return parseDuration(c.WorkerPoolExpiryDuration, time.Second)
}

type ConfigurationDatabase interface {
	GetDatabasePrimaryHostURL() []string
	DoDatabaseMigrate() bool
	SkipDefaultTransaction() bool
	PreferSimpleProtocol() bool
	GetMaxIdleConnections() int
	GetMaxOpenConnections() int
	GetMaxConnectionLifeTimeInSeconds() time.Duration
}

type ConfigurationDatabaseTracing interface {
	CanDatabaseTraceQueries() bool
	GetDatabaseSlowQueryLogThreshold() time.Duration
}

var _ ConfigurationDatabase = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetDatabasePrimaryHostURL() []string {
	return c.DatabasePrimaryURL
}

func (c *ConfigurationDefault) DoDatabaseMigrate() bool {
	stdArgs := os.Args[1:]
	return c.DatabaseMigrate || (len(stdArgs) > 0 && stdArgs[0] == "migrate")
}

func (c *ConfigurationDefault) PreferSimpleProtocol() bool {
	return c.DatabasePreferSimpleProtocol
}

func (c *ConfigurationDefault) SkipDefaultTransaction() bool {
	return c.DatabaseSkipDefaultTransaction
}

func (c *ConfigurationDefault) GetMaxIdleConnections() int {
	return c.DatabaseMaxIdleConnections
}

func (c *ConfigurationDefault) GetMaxOpenConnections() int {
	return c.DatabaseMaxOpenConnections
}

func (c *ConfigurationDefault) GetMaxConnectionLifeTimeInSeconds() time.Duration {
	return time.Duration(c.DatabaseMaxConnectionLifeTimeSeconds) * time.Second
}

var _ ConfigurationDatabaseTracing = new(ConfigurationDefault)

func (c *ConfigurationDefault) CanDatabaseTraceQueries() bool {
	return c.DatabaseTraceQueries
}
func (c *ConfigurationDefault) GetDatabaseSlowQueryLogThreshold() time.Duration {
	return parseDuration(c.DatabaseSlowQueryLogThreshold, DefaultSlowQueryThreshold)
}

// ConfigurationQueue resolves broker locations and transport tuning for named queues.
type ConfigurationQueue interface {
	QueueURL(name string) string
	GetSendFlushInterval() time.Duration
	GetSendMaxBatch() int
	GetReceiveWait() time.Duration
	GetRequestTimeout() time.Duration
	GetSendRetries() int
}

var _ ConfigurationQueue = new(ConfigurationDefault)

func (c *ConfigurationDefault) QueueURL(name string) string {
	if u, ok := c.QueueURLs[name]; ok && strings.TrimSpace(u) != "" {
		return strings.TrimSpace(u)
	}

	template := strings.TrimSpace(c.QueueURLTemplate)
	if template == "" {
		template = defaultQueueURLTemplate
	}

	return strings.ReplaceAll(template, QueueNamePlaceholder, name)
}

func (c *ConfigurationDefault) GetSendFlushInterval() time.Duration {
	return parseDuration(c.QueueSendFlushInterval, defaultSendFlushInterval)
}

func (c *ConfigurationDefault) GetSendMaxBatch() int {
	if c.QueueSendMaxBatch <= 0 {
		return defaultSendMaxBatch
	}
	return c.QueueSendMaxBatch
}

func (c *ConfigurationDefault) GetReceiveWait() time.Duration {
	return parseDuration(c.QueueReceiveWait, defaultReceiveWait)
}

func (c *ConfigurationDefault) GetRequestTimeout() time.Duration {
	return parseDuration(c.QueueRequestTimeout, defaultRequestTimeout)
}

func (c *ConfigurationDefault) GetSendRetries() int {
	if c.QueueSendRetries < 0 {
		return defaultSendRetries
	}
	return c.QueueSendRetries
}

// ConfigurationWorkers sizes the dispatch loops run per queue.
type ConfigurationWorkers interface {
	WorkerInstancesFor(queueName string) int
	GetWorkerStopTimeout() time.Duration
	// WorkerRates is the messages per second allowed per queue; absent queues are unlimited.
	WorkerRates() map[string]float64
	GetWorkerRateBurst() int
}

var _ ConfigurationWorkers = new(ConfigurationDefault)

func (c *ConfigurationDefault) WorkerInstancesFor(queueName string) int {
	if n, ok := c.WorkerInstancesPerQueue[queueName]; ok {
		return max(n, 0)
	}

	return max(c.WorkerInstances, 1)
}

func (c *ConfigurationDefault) GetWorkerStopTimeout() time.Duration {
	return parseDuration(c.WorkerStopTimeout, defaultWorkerStopTimeout)
}

func (c *ConfigurationDefault) WorkerRates() map[string]float64 {
	return c.WorkerRatePerQueue
}

func (c *ConfigurationDefault) GetWorkerRateBurst() int {
	return max(c.WorkerRateBurst, 1)
}

// ConfigurationDiagnostics controls the pprof and worker health endpoints.
type ConfigurationDiagnostics interface {
	DiagnosticsEnabled() bool
	DiagnosticsAddr() string
}

var _ ConfigurationDiagnostics = new(ConfigurationDefault)

func (c *ConfigurationDefault) DiagnosticsEnabled() bool {
	return c.DiagnosticsEnable
}

func (c *ConfigurationDefault) DiagnosticsAddr() string {
	return c.DiagnosticsAddress
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}

	return d
}
