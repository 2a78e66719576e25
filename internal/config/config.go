package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SCAN"

// Config holds all service configuration.
type Config struct {
	Web      WebConfig      `mapstructure:"web"`
	S3       S3Config       `mapstructure:"s3"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	Otel     OtelConfig     `mapstructure:"otel"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WebConfig holds the HTTP server settings.
type WebConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// S3Config holds the remote object store settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// Endpoint overrides the AWS endpoint, e.g. for localstack.
	Endpoint string `mapstructure:"endpoint"`
}

// ScanConfig tunes the download phase and progress retention.
type ScanConfig struct {
	StagingRoot       string        `mapstructure:"staging_root"`
	Concurrency       int           `mapstructure:"concurrency"`
	PerFileTimeout    time.Duration `mapstructure:"per_file_timeout"`
	InactivityLimit   time.Duration `mapstructure:"inactivity_limit"`
	MaxFileSize       int64         `mapstructure:"max_file_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// RequestRate caps object reads per second against the remote store.
	// Zero disables pacing.
	RequestRate   float64       `mapstructure:"request_rate"`
	ProgressTTL   time.Duration `mapstructure:"progress_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// VerifierConfig describes the external verification tool.
type VerifierConfig struct {
	Command          string        `mapstructure:"command"`
	Args             []string      `mapstructure:"args"`
	WorkDir          string        `mapstructure:"work_dir"`
	ArtifactPath     string        `mapstructure:"artifact_path"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	MaxRuntime       time.Duration `mapstructure:"max_runtime"`
}

// OtelConfig holds the tracing exporter settings. An empty endpoint disables
// export entirely.
type OtelConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	Probability      float64 `mapstructure:"probability"`
	Insecure         bool    `mapstructure:"insecure"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Web: WebConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Scan: ScanConfig{
			StagingRoot: filepath.Join(os.TempDir(), "scan-staging"),
		},
		Verifier: VerifierConfig{
			ArtifactPath: "verification_output.json",
		},
		Otel: OtelConfig{
			ServiceName: "scan-engine",
			Probability: 0.05,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the SCAN_ prefix with underscores for nesting,
// e.g. SCAN_S3_BUCKET. A missing config file is not an error; defaults plus
// environment are a complete configuration source.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scan-engine")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be registered for AutomaticEnv to resolve them without a
	// config file present.
	bindKeys(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		// Without an explicit path, a missing config file just means
		// defaults plus environment.
		if _, notFound := err.(viper.ConfigFileNotFoundError); path != "" || !notFound {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate reports the settings that must be present before the service can
// start.
func (c *Config) Validate() error {
	var missing []string
	if c.S3.Bucket == "" {
		missing = append(missing, "s3.bucket")
	}
	if c.Verifier.Command == "" {
		missing = append(missing, "verifier.command")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func bindKeys(v *viper.Viper, cfg *Config) {
	v.SetDefault("web.host", cfg.Web.Host)
	v.SetDefault("web.port", cfg.Web.Port)
	v.SetDefault("web.read_timeout", cfg.Web.ReadTimeout)
	v.SetDefault("web.write_timeout", cfg.Web.WriteTimeout)
	v.SetDefault("web.idle_timeout", cfg.Web.IdleTimeout)
	v.SetDefault("web.shutdown_timeout", cfg.Web.ShutdownTimeout)

	v.SetDefault("s3.bucket", cfg.S3.Bucket)
	v.SetDefault("s3.region", cfg.S3.Region)
	v.SetDefault("s3.access_key_id", cfg.S3.AccessKeyID)
	v.SetDefault("s3.secret_access_key", cfg.S3.SecretAccessKey)
	v.SetDefault("s3.endpoint", cfg.S3.Endpoint)

	v.SetDefault("scan.staging_root", cfg.Scan.StagingRoot)
	v.SetDefault("scan.concurrency", cfg.Scan.Concurrency)
	v.SetDefault("scan.per_file_timeout", cfg.Scan.PerFileTimeout)
	v.SetDefault("scan.inactivity_limit", cfg.Scan.InactivityLimit)
	v.SetDefault("scan.max_file_size", cfg.Scan.MaxFileSize)
	v.SetDefault("scan.heartbeat_interval", cfg.Scan.HeartbeatInterval)
	v.SetDefault("scan.request_rate", cfg.Scan.RequestRate)
	v.SetDefault("scan.progress_ttl", cfg.Scan.ProgressTTL)
	v.SetDefault("scan.sweep_interval", cfg.Scan.SweepInterval)

	v.SetDefault("verifier.command", cfg.Verifier.Command)
	v.SetDefault("verifier.args", cfg.Verifier.Args)
	v.SetDefault("verifier.work_dir", cfg.Verifier.WorkDir)
	v.SetDefault("verifier.artifact_path", cfg.Verifier.ArtifactPath)
	v.SetDefault("verifier.progress_interval", cfg.Verifier.ProgressInterval)
	v.SetDefault("verifier.max_runtime", cfg.Verifier.MaxRuntime)

	v.SetDefault("otel.service_name", cfg.Otel.ServiceName)
	v.SetDefault("otel.exporter_endpoint", cfg.Otel.ExporterEndpoint)
	v.SetDefault("otel.probability", cfg.Otel.Probability)
	v.SetDefault("otel.insecure", cfg.Otel.Insecure)

	v.SetDefault("logging.level", cfg.Logging.Level)
}
