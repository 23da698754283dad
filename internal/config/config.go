// Package config defines configuration parsing and helpers. All settings are
// read from environment variables with the DSXCONNECT_ prefix.
package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// ByteSize is a byte count that also accepts float or scientific-notation
// env values (e.g. "4.194304e+06"), floored to whole bytes.
type ByteSize int64

func parseByteSize(v string) (any, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte size %q: %w", v, err)
	}
	return ByteSize(int64(math.Floor(f))), nil
}

// Config holds all application configuration parsed from environment
// variables.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"dev"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ResultsDB string `env:"RESULTS_DB" envDefault:"redis://localhost:6379/3"`

	Scanner ScannerConfig `envPrefix:"SCANNER__"`
	Dianna  DiannaConfig  `envPrefix:"DIANNA__"`
	Workers WorkersConfig `envPrefix:"WORKERS__"`
	Syslog  SyslogConfig  `envPrefix:"SYSLOG__"`

	ScanRequestBatchSize    int `env:"SCAN_REQUEST_BATCH_SIZE" envDefault:"10"`
	ScanRequestBatchMaxSize int `env:"SCAN_REQUEST_BATCH_MAX_SIZE" envDefault:"100"`

	WorkerConcurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	OpsAddr               string        `env:"OPS_ADDR" envDefault:":9090"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	ServiceName  string `env:"SERVICE_NAME" envDefault:"dsx-connect"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// ScannerConfig configures the DSXA binary scanner client.
type ScannerConfig struct {
	// Base URL for the scanner without path, e.g. http://dsxa:5000.
	BaseURL string `env:"BASE_URL" envDefault:"http://0.0.0.0:5000"`
	// Legacy full scan endpoint URL; when set, BaseURL is derived from it by
	// stripping the trailing /scan/binary* path.
	ScanBinaryURL    string   `env:"SCAN_BINARY_URL"`
	AuthToken        string   `env:"AUTH_TOKEN"`
	VerifyTLS        bool     `env:"VERIFY_TLS" envDefault:"true"`
	TimeoutSeconds   float64  `env:"TIMEOUT_SECONDS" envDefault:"600"`
	MaxInflight      int64    `env:"MAX_INFLIGHT" envDefault:"2048"`
	MaxFileSizeBytes ByteSize `env:"MAX_FILE_SIZE_BYTES" envDefault:"2147483648"`
}

// Timeout returns the scanner request timeout.
func (s ScannerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// DiannaConfig configures the deep-analysis upload and polling client.
type DiannaConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"false"`
	ManagementURL string `env:"MANAGEMENT_URL" envDefault:"https://di.local"`
	APIToken      string `env:"API_TOKEN"`
	VerifyTLS     bool   `env:"VERIFY_TLS" envDefault:"true"`
	CABundle      string `env:"CA_BUNDLE"`
	// Upload chunk size in bytes; scientific notation accepted.
	ChunkSize           ByteSize      `env:"CHUNK_SIZE" envDefault:"4194304"`
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"60s"`
	PollResultsEnabled  bool          `env:"POLL_RESULTS_ENABLED" envDefault:"true"`
	PollIntervalSeconds int           `env:"POLL_INTERVAL_SECONDS" envDefault:"5"`
	PollTimeoutSeconds  int           `env:"POLL_TIMEOUT_SECONDS" envDefault:"900"`
	AutoOnMalicious     bool          `env:"AUTO_ON_MALICIOUS" envDefault:"false"`
	IndexRetainDays     int           `env:"INDEX_RETAIN_DAYS" envDefault:"90"`
}

// PollInterval floors the configured polling interval at one second.
func (d DiannaConfig) PollInterval() time.Duration {
	if d.PollIntervalSeconds < 1 {
		return time.Second
	}
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the maximum time to wait for a terminal result.
func (d DiannaConfig) PollTimeout() time.Duration {
	return time.Duration(d.PollTimeoutSeconds) * time.Second
}

// WorkersConfig holds the retry toggles and backoff bases shared by all
// task workers.
type WorkersConfig struct {
	ScanRequestMaxRetries int `env:"SCAN_REQUEST_MAX_RETRIES" envDefault:"1"`
	DLQExpireAfterDays    int `env:"DLQ_EXPIRE_AFTER_DAYS" envDefault:"7"`

	// Backoff bases in seconds; delay is base * 2^retry_count.
	ConnectorRetryBackoffBase   int `env:"CONNECTOR_RETRY_BACKOFF_BASE" envDefault:"5"`
	DsxaRetryBackoffBase        int `env:"DSXA_RETRY_BACKOFF_BASE" envDefault:"3"`
	ServerErrorRetryBackoffBase int `env:"SERVER_ERROR_RETRY_BACKOFF_BASE" envDefault:"5"`

	RetryConnectorConnectionErrors bool `env:"RETRY_CONNECTOR_CONNECTION_ERRORS" envDefault:"true"`
	RetryConnectorServerErrors     bool `env:"RETRY_CONNECTOR_SERVER_ERRORS" envDefault:"true"`
	RetryConnectorClientErrors     bool `env:"RETRY_CONNECTOR_CLIENT_ERRORS" envDefault:"true"`
	RetryDsxaTimeoutErrors         bool `env:"RETRY_DSXA_TIMEOUT_ERRORS" envDefault:"true"`
	RetryDsxaServerErrors          bool `env:"RETRY_DSXA_SERVER_ERRORS" envDefault:"true"`
	RetryDsxaClientErrors          bool `env:"RETRY_DSXA_CLIENT_ERRORS" envDefault:"true"`
	RetryQueueDispatchErrors       bool `env:"RETRY_QUEUE_DISPATCH_ERRORS" envDefault:"false"`
}

// SyslogConfig configures the structured syslog sink.
type SyslogConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	Server  string `env:"SERVER" envDefault:"127.0.0.1"`
	Port    int    `env:"PORT" envDefault:"514"`
	// Transport is one of udp, tcp, tls.
	Transport   string `env:"TRANSPORT" envDefault:"tcp"`
	TLSCAFile   string `env:"TLS_CA_FILE"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	TLSInsecure bool   `env:"TLS_INSECURE" envDefault:"false"`
}

// Load parses environment variables into a Config and normalizes legacy
// fields.
func Load() (Config, error) {
	var cfg Config
	opts := env.Options{
		Prefix: "DSXCONNECT_",
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)): parseByteSize,
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	// Legacy SCAN_BINARY_URL populates BaseURL when BaseURL was left at its
	// default; the /scan/binary* suffix is stripped.
	if c.Scanner.ScanBinaryURL != "" && c.Scanner.BaseURL == "http://0.0.0.0:5000" {
		u := strings.TrimRight(c.Scanner.ScanBinaryURL, "/")
		if i := strings.Index(u, "/scan/binary"); i >= 0 {
			u = u[:i]
		}
		c.Scanner.BaseURL = u
	}
	// Management URL defaults to https when no scheme is given.
	if u := strings.TrimSpace(c.Dianna.ManagementURL); u != "" {
		low := strings.ToLower(u)
		if !strings.HasPrefix(low, "http://") && !strings.HasPrefix(low, "https://") {
			u = "https://" + u
		}
		c.Dianna.ManagementURL = u
	}
}

// DLQExpiry returns the retention period of DLQ lists.
func (c Config) DLQExpiry() time.Duration {
	return time.Duration(c.Workers.DLQExpireAfterDays) * 24 * time.Hour
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
