package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tickframe/logpipe/internal/dispatch"
	"github.com/tickframe/logpipe/internal/pipeline"
	"github.com/tickframe/logpipe/internal/sinks"
	"github.com/tickframe/logpipe/pkg/circuit"
	"github.com/tickframe/logpipe/pkg/compression"
)

// Config configuração completa do processo. Durações são strings no YAML
// ("1ms", "100us") e viram time.Duration nos builders.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Compression CompressionConfig `yaml:"compression"`
	Sink        SinkConfig        `yaml:"sink"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Reload      ReloadConfig      `yaml:"reload"`
}

// AppConfig identidade e logging do processo
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// IngestConfig canal de ingestão, pool e acumulador
type IngestConfig struct {
	ChannelCapacity int    `yaml:"channel_capacity"`
	PoolCapacity    int    `yaml:"pool_capacity"`
	BufferBytes     int    `yaml:"buffer_bytes"`
	MaxBatchSize    int    `yaml:"max_batch_size"`
	MaxBatchAge     string `yaml:"max_batch_age"`
	FlushTick       string `yaml:"flush_tick"`
	PoolWait        string `yaml:"pool_wait"`
	MaxRecordBytes  int    `yaml:"max_record_bytes"`
}

// BreakerConfig circuit breaker do sink
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	Timeout          string `yaml:"timeout"`
	HalfOpenMaxCalls int    `yaml:"half_open_max_calls"`
}

// DispatchConfig fila de despacho e política de retry
type DispatchConfig struct {
	QueueSize            int           `yaml:"queue_size"`
	MaxRetries           int           `yaml:"max_retries"`
	BackoffBase          string        `yaml:"backoff_base"`
	BackoffMax           string        `yaml:"backoff_max"`
	SendTimeout          string        `yaml:"send_timeout"`
	MaxConcurrentRetries int           `yaml:"max_concurrent_retries"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// CompressionConfig compressão de payload antes do envio
type CompressionConfig struct {
	Algorithm string `yaml:"algorithm"`
	MinBytes  int    `yaml:"min_bytes"`
	Level     int    `yaml:"level"`
}

// SinkConfig seleção e parâmetros do sink de entrega
type SinkConfig struct {
	// Type: stream, kafka ou elasticsearch
	Type    string              `yaml:"type"`
	Stream  sinks.StreamConfig  `yaml:"stream"`
	Kafka   sinks.KafkaConfig   `yaml:"kafka"`
	Elastic sinks.ElasticConfig `yaml:"elasticsearch"`
}

// MetricsConfig servidor HTTP de métricas e health. Enabled é ponteiro
// para distinguir "ausente do arquivo" (default true) de um false explícito.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// MonitorConfig amostragem de recursos do processo
type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	// GoroutineThreshold e MemoryThresholdMB disparam warnings no log
	// quando a amostra ultrapassa o limite. Zero aplica o padrão; um
	// valor negativo desativa o alerta.
	GoroutineThreshold int   `yaml:"goroutine_threshold"`
	MemoryThresholdMB  int64 `yaml:"memory_threshold_mb"`
}

// TracingConfig exportação OTLP de spans de despacho
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ShutdownConfig prazo do drain no encerramento
type ShutdownConfig struct {
	Grace string `yaml:"grace"`
}

// ReloadConfig hot reload do arquivo de configuração
type ReloadConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
	Poll     string `yaml:"poll"`
}

// LoadConfig carrega a configuração a partir de arquivo YAML e variáveis
// de ambiente. Arquivo ausente não é erro fatal: os padrões valem.
func LoadConfig(configFile string) (*Config, error) {
	config := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			return nil, err
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func loadConfigFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyDefaults aplica valores padrão à configuração
func applyDefaults(config *Config) {
	// App defaults
	if config.App.Name == "" {
		config.App.Name = "logpipe"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	// Ingest defaults
	if config.Ingest.ChannelCapacity == 0 {
		config.Ingest.ChannelCapacity = 65536
	}
	if config.Ingest.PoolCapacity == 0 {
		config.Ingest.PoolCapacity = 64
	}
	if config.Ingest.BufferBytes == 0 {
		config.Ingest.BufferBytes = 256 * 1024
	}
	if config.Ingest.MaxBatchSize == 0 {
		config.Ingest.MaxBatchSize = 1000
	}
	if config.Ingest.MaxBatchAge == "" {
		config.Ingest.MaxBatchAge = "1ms"
	}
	if config.Ingest.FlushTick == "" {
		config.Ingest.FlushTick = "100us"
	}
	if config.Ingest.PoolWait == "" {
		config.Ingest.PoolWait = "5ms"
	}
	if config.Ingest.MaxRecordBytes == 0 {
		config.Ingest.MaxRecordBytes = 64 * 1024
	}

	// Dispatch defaults
	if config.Dispatch.QueueSize == 0 {
		config.Dispatch.QueueSize = 64
	}
	if config.Dispatch.MaxRetries == 0 {
		config.Dispatch.MaxRetries = 3
	}
	if config.Dispatch.BackoffBase == "" {
		config.Dispatch.BackoffBase = "100ms"
	}
	if config.Dispatch.BackoffMax == "" {
		config.Dispatch.BackoffMax = "5s"
	}
	if config.Dispatch.SendTimeout == "" {
		config.Dispatch.SendTimeout = "10s"
	}
	if config.Dispatch.MaxConcurrentRetries == 0 {
		config.Dispatch.MaxConcurrentRetries = 8
	}
	if config.Dispatch.Breaker.FailureThreshold == 0 {
		config.Dispatch.Breaker.FailureThreshold = 5
	}
	if config.Dispatch.Breaker.SuccessThreshold == 0 {
		config.Dispatch.Breaker.SuccessThreshold = 2
	}
	if config.Dispatch.Breaker.Timeout == "" {
		config.Dispatch.Breaker.Timeout = "30s"
	}
	if config.Dispatch.Breaker.HalfOpenMaxCalls == 0 {
		config.Dispatch.Breaker.HalfOpenMaxCalls = 3
	}

	// Compression defaults: lz4 favorece latência sobre razão de compressão
	if config.Compression.Algorithm == "" {
		config.Compression.Algorithm = "lz4"
	}
	if config.Compression.MinBytes == 0 {
		config.Compression.MinBytes = 1024
	}
	if config.Compression.Level == 0 {
		config.Compression.Level = 6
	}

	// Sink defaults
	if config.Sink.Type == "" {
		config.Sink.Type = "stream"
	}
	if config.Sink.Stream.Path == "" {
		config.Sink.Stream.Path = "stdout"
	}
	if config.Sink.Kafka.Topic == "" {
		config.Sink.Kafka.Topic = "trading-logs"
	}
	if config.Sink.Elastic.Index == "" {
		config.Sink.Elastic.Index = "trading-logs"
	}

	// Metrics defaults
	if config.Metrics.Enabled == nil {
		enabled := true
		config.Metrics.Enabled = &enabled
	}
	if config.Metrics.Host == "" {
		config.Metrics.Host = "0.0.0.0"
	}
	if config.Metrics.Port == 0 {
		config.Metrics.Port = 8001
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	// Monitor defaults
	if config.Monitor.Interval == "" {
		config.Monitor.Interval = "10s"
	}
	if config.Monitor.GoroutineThreshold == 0 {
		config.Monitor.GoroutineThreshold = 5000
	}
	if config.Monitor.MemoryThresholdMB == 0 {
		config.Monitor.MemoryThresholdMB = 1024
	}

	// Tracing defaults
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 0.01
	}

	// Shutdown defaults
	if config.Shutdown.Grace == "" {
		config.Shutdown.Grace = "30s"
	}

	// Reload defaults
	if config.Reload.Debounce == "" {
		config.Reload.Debounce = "1s"
	}
	if config.Reload.Poll == "" {
		config.Reload.Poll = "30s"
	}
}

// applyEnvironmentOverrides aplica sobrescritas de variáveis de ambiente
func applyEnvironmentOverrides(config *Config) {
	// Logging overrides
	if level := getEnvString("LOG_LEVEL", ""); level != "" {
		config.App.LogLevel = level
	}
	if format := getEnvString("LOG_FORMAT", ""); format != "" {
		config.App.LogFormat = format
	}

	// Ingest overrides
	if capacity := getEnvInt("LOGPIPE_CHANNEL_CAPACITY", 0); capacity != 0 {
		config.Ingest.ChannelCapacity = capacity
	}
	if size := getEnvInt("LOGPIPE_MAX_BATCH_SIZE", 0); size != 0 {
		config.Ingest.MaxBatchSize = size
	}
	if age := getEnvString("LOGPIPE_MAX_BATCH_AGE", ""); age != "" {
		config.Ingest.MaxBatchAge = age
	}

	// Sink overrides
	if sinkType := getEnvString("LOGPIPE_SINK_TYPE", ""); sinkType != "" {
		config.Sink.Type = sinkType
	}
	if path := getEnvString("LOGPIPE_STREAM_PATH", ""); path != "" {
		config.Sink.Stream.Path = path
	}
	if brokers := getEnvStringSlice("KAFKA_BROKERS", nil); len(brokers) > 0 {
		config.Sink.Kafka.Brokers = brokers
	}
	if topic := getEnvString("KAFKA_TOPIC", ""); topic != "" {
		config.Sink.Kafka.Topic = topic
	}
	if addresses := getEnvStringSlice("ELASTICSEARCH_ADDRESSES", nil); len(addresses) > 0 {
		config.Sink.Elastic.Addresses = addresses
	}
	if index := getEnvString("ELASTICSEARCH_INDEX", ""); index != "" {
		config.Sink.Elastic.Index = index
	}

	// Compression overrides
	if algo := getEnvString("LOGPIPE_COMPRESSION", ""); algo != "" {
		config.Compression.Algorithm = algo
	}

	// Metrics overrides
	if enabled := getEnvBool("METRICS_ENABLED", config.MetricsEnabled()); enabled != config.MetricsEnabled() {
		config.Metrics.Enabled = &enabled
	}
	if port := getEnvInt("METRICS_PORT", 0); port != 0 {
		config.Metrics.Port = port
	}

	// Tracing overrides
	if enabled := getEnvBool("TRACING_ENABLED", config.Tracing.Enabled); enabled != config.Tracing.Enabled {
		config.Tracing.Enabled = enabled
	}
	if endpoint := getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""); endpoint != "" {
		config.Tracing.Endpoint = endpoint
	}
}

// Funções auxiliares para variáveis de ambiente

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// parseDurationSafe converte uma duração em string, devolvendo o fallback
// quando o valor não parseia.
func parseDurationSafe(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}

// PipelineConfig monta a configuração do pipeline de ingestão.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ChannelCapacity: c.Ingest.ChannelCapacity,
		PoolCapacity:    c.Ingest.PoolCapacity,
		BufferBytes:     c.Ingest.BufferBytes,
		MaxBatchSize:    c.Ingest.MaxBatchSize,
		MaxBatchAge:     parseDurationSafe(c.Ingest.MaxBatchAge, 0),
		FlushTick:       parseDurationSafe(c.Ingest.FlushTick, 0),
		PoolWait:        parseDurationSafe(c.Ingest.PoolWait, 0),
		MaxRecordBytes:  c.Ingest.MaxRecordBytes,
	}
}

// DispatcherConfig monta a configuração do dispatcher.
func (c *Config) DispatcherConfig() dispatch.Config {
	return dispatch.Config{
		QueueSize:            c.Dispatch.QueueSize,
		MaxRetries:           c.Dispatch.MaxRetries,
		BackoffBase:          parseDurationSafe(c.Dispatch.BackoffBase, 0),
		BackoffMax:           parseDurationSafe(c.Dispatch.BackoffMax, 0),
		SendTimeout:          parseDurationSafe(c.Dispatch.SendTimeout, 0),
		MaxConcurrentRetries: c.Dispatch.MaxConcurrentRetries,
		Breaker: circuit.BreakerConfig{
			FailureThreshold: c.Dispatch.Breaker.FailureThreshold,
			SuccessThreshold: c.Dispatch.Breaker.SuccessThreshold,
			Timeout:          parseDurationSafe(c.Dispatch.Breaker.Timeout, 0),
			HalfOpenMaxCalls: c.Dispatch.Breaker.HalfOpenMaxCalls,
		},
	}
}

// CompressorConfig monta a configuração de compressão.
func (c *Config) CompressorConfig() compression.Config {
	return compression.Config{
		Algorithm: compression.Algorithm(c.Compression.Algorithm),
		MinBytes:  c.Compression.MinBytes,
		Level:     c.Compression.Level,
	}
}

// MonitorInterval intervalo de amostragem do monitor de recursos.
func (c *Config) MonitorInterval() time.Duration {
	return parseDurationSafe(c.Monitor.Interval, 10*time.Second)
}

// ShutdownGrace prazo do drain no encerramento.
func (c *Config) ShutdownGrace() time.Duration {
	return parseDurationSafe(c.Shutdown.Grace, 30*time.Second)
}

// MetricsEnabled resolve o tri-estado do flag de métricas.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

// ReloaderConfig monta a configuração do hot reload.
func (c *Config) ReloaderConfig() ReloaderConfig {
	return ReloaderConfig{
		Enabled:          c.Reload.Enabled,
		DebounceInterval: parseDurationSafe(c.Reload.Debounce, time.Second),
		PollInterval:     parseDurationSafe(c.Reload.Poll, 30*time.Second),
	}
}

// ValidateConfig valida a configuração
func ValidateConfig(config *Config) error {
	if config.MetricsEnabled() && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}

	for name, value := range map[string]string{
		"ingest.max_batch_age":     config.Ingest.MaxBatchAge,
		"ingest.flush_tick":        config.Ingest.FlushTick,
		"ingest.pool_wait":         config.Ingest.PoolWait,
		"dispatch.backoff_base":    config.Dispatch.BackoffBase,
		"dispatch.backoff_max":     config.Dispatch.BackoffMax,
		"dispatch.send_timeout":    config.Dispatch.SendTimeout,
		"dispatch.breaker.timeout": config.Dispatch.Breaker.Timeout,
		"monitor.interval":         config.Monitor.Interval,
		"shutdown.grace":           config.Shutdown.Grace,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}

	if _, err := compression.ParseAlgorithm(config.Compression.Algorithm); err != nil {
		return fmt.Errorf("invalid compression algorithm: %w", err)
	}

	switch config.Sink.Type {
	case "stream":
		if config.Sink.Stream.Path == "" {
			return fmt.Errorf("stream sink path cannot be empty")
		}
	case "kafka":
		if len(config.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers cannot be empty when kafka sink is selected")
		}
		if config.Sink.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic cannot be empty when kafka sink is selected")
		}
	case "elasticsearch":
		if len(config.Sink.Elastic.Addresses) == 0 {
			return fmt.Errorf("elasticsearch addresses cannot be empty when elasticsearch sink is selected")
		}
		if config.Sink.Elastic.Index == "" {
			return fmt.Errorf("elasticsearch index cannot be empty when elasticsearch sink is selected")
		}
	default:
		return fmt.Errorf("unknown sink type: %q", config.Sink.Type)
	}

	if config.Tracing.Enabled && config.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint cannot be empty when tracing is enabled")
	}

	if config.Ingest.MaxBatchSize < 0 || config.Ingest.ChannelCapacity < 0 {
		return fmt.Errorf("ingest sizes cannot be negative")
	}

	return nil
}
