// Package config provides the configuration system for notesync.
// It defines a single Config structure that every component reads from,
// organised into logical sections:
//   - Store: durable store driver and connection settings
//   - Coordinator: run lock, failure marker and work directory
//   - Bulk / Delta: the two source feeds
//   - Pipeline: partitioning, worker pool and validation gate
//   - Gate / Boundaries: the rate-limited boundary fetcher
//   - Reliability / Timeouts: retry policy and bounded external calls
//   - Notify / Observability / Log: ambient outputs
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/logger"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Gate kinds.
const (
	GateLocal = "local"
	GateSQL   = "sql"
)

// Config is the complete configuration of one notesync invocation.
type Config struct {
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator" yaml:"coordinator"`
	Bulk          BulkConfig          `mapstructure:"bulk" yaml:"bulk"`
	Delta         DeltaConfig         `mapstructure:"delta" yaml:"delta"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline" yaml:"pipeline"`
	Gate          GateConfig          `mapstructure:"gate" yaml:"gate"`
	Boundaries    BoundariesConfig    `mapstructure:"boundaries" yaml:"boundaries"`
	Reliability   ReliabilityConfig   `mapstructure:"reliability" yaml:"reliability"`
	Timeouts      TimeoutConfig       `mapstructure:"timeouts" yaml:"timeouts"`
	Notify        NotifyConfig        `mapstructure:"notify" yaml:"notify"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Log           logger.Config       `mapstructure:"log" yaml:"log"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	// Driver is either "postgres" or "sqlite"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is a postgres connection URI or a sqlite file path
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	// CountryFunction names a store-side SQL function (lon, lat, note_id) -> country id.
	// Empty disables country assignment.
	CountryFunction string `mapstructure:"country_function" yaml:"country_function"`
}

// CoordinatorConfig controls run exclusivity and failure escalation.
type CoordinatorConfig struct {
	// RunType keys the run lock; incremental and bulk share one by default
	RunType           string        `mapstructure:"run_type" yaml:"run_type"`
	FailureMarkerPath string        `mapstructure:"failure_marker_path" yaml:"failure_marker_path"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
	ReportPath        string        `mapstructure:"report_path" yaml:"report_path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// StaleAfter declares a holder on another host dead once its heartbeat is older
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// BulkConfig describes the snapshot feed.
type BulkConfig struct {
	// Location is a path, file://, http(s)://, s3:// or gs:// URL
	Location         string `mapstructure:"location" yaml:"location"`
	ChecksumLocation string `mapstructure:"checksum_location" yaml:"checksum_location"`
	Format           string `mapstructure:"format" yaml:"format"`
	// MinFreeDiskMB is required in the work directory before download
	MinFreeDiskMB uint64 `mapstructure:"min_free_disk_mb" yaml:"min_free_disk_mb"`
	// Region applies to s3:// locations
	Region string `mapstructure:"region" yaml:"region"`
	// Endpoint overrides the object store API endpoint (S3-compatible or GCS)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// CredentialsFile is a service account key for gs:// locations
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// DeltaConfig describes the incremental feed.
type DeltaConfig struct {
	// URLTemplate may reference {from} (RFC3339) and {limit}
	URLTemplate string `mapstructure:"url_template" yaml:"url_template"`
	Format      string `mapstructure:"format" yaml:"format"`
	// MaxNotes is the high-water mark that diverts a run to the bulk path
	MaxNotes int `mapstructure:"max_notes" yaml:"max_notes"`
}

// PipelineConfig controls partitioning and the transform worker pool.
type PipelineConfig struct {
	// Workers overrides the computed pool size when > 0
	Workers               int     `mapstructure:"workers" yaml:"workers"`
	ReservedCPUs          int     `mapstructure:"reserved_cpus" yaml:"reserved_cpus"`
	PartitionFactor       int     `mapstructure:"partition_factor" yaml:"partition_factor"`
	BatchSize             int     `mapstructure:"batch_size" yaml:"batch_size"`
	Validate              bool    `mapstructure:"validate" yaml:"validate"`
	MaxRejectedChunkRatio float64 `mapstructure:"max_rejected_chunk_ratio" yaml:"max_rejected_chunk_ratio"`
}

// GateConfig configures the boundary request gate.
type GateConfig struct {
	// Kind is "local" (in-process) or "sql" (shared through the store)
	Kind              string        `mapstructure:"kind" yaml:"kind"`
	Name              string        `mapstructure:"name" yaml:"name"`
	Capacity          int           `mapstructure:"capacity" yaml:"capacity"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// BoundariesConfig configures the boundary fetcher.
type BoundariesConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	StatusURL string `mapstructure:"status_url" yaml:"status_url"`
	PreCheck  bool   `mapstructure:"pre_check" yaml:"pre_check"`
	// IDs lists boundary relation ids; when empty IDQuery is sent to discover them
	IDs         []int64 `mapstructure:"ids" yaml:"ids"`
	IDQuery     string  `mapstructure:"id_query" yaml:"id_query"`
	Concurrency int     `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ReliabilityConfig contains retry settings shared by every external call.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for failed operations
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	// RandomizeFactor adds jitter (0.0-1.0)
	RandomizeFactor float64 `mapstructure:"randomize_factor" yaml:"randomize_factor"`
}

// TimeoutConfig bounds every external call.
type TimeoutConfig struct {
	Request  time.Duration `mapstructure:"request" yaml:"request"`
	Download time.Duration `mapstructure:"download" yaml:"download"`
	Merge    time.Duration `mapstructure:"merge" yaml:"merge"`
	Notify   time.Duration `mapstructure:"notify" yaml:"notify"`
	Release  time.Duration `mapstructure:"release" yaml:"release"`
}

// NotifyConfig lists the optional notification sinks. The log sink is always on.
type NotifyConfig struct {
	WebhookURL string      `mapstructure:"webhook_url" yaml:"webhook_url"`
	Kafka      KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the kafka notification sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// ObservabilityConfig contains metrics and tracing outputs.
type ObservabilityConfig struct {
	// MetricsTextfile is written in node-exporter textfile format at run end
	MetricsTextfile string `mapstructure:"metrics_textfile" yaml:"metrics_textfile"`
	EnableTracing   bool   `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	TraceFile       string `mapstructure:"trace_file" yaml:"trace_file"`
}

// NewConfig creates a configuration with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:       DriverSQLite,
			DSN:          "notesync.db",
			MaxOpenConns: 8,
		},
		Coordinator: CoordinatorConfig{
			RunType:           "ingest",
			FailureMarkerPath: "/var/lib/notesync/failed.json",
			WorkDir:           "/var/lib/notesync/work",
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        2 * time.Minute,
		},
		Bulk: BulkConfig{
			Location:         "https://planet.openstreetmap.org/notes/planet-notes-latest.osn.bz2",
			ChecksumLocation: "https://planet.openstreetmap.org/notes/planet-notes-latest.osn.bz2.md5",
			Format:           "planet",
			MinFreeDiskMB:    4096,
		},
		Delta: DeltaConfig{
			URLTemplate: "https://api.openstreetmap.org/api/0.6/notes/search.xml?closed=-1&sort=updated_at&order=oldest&from={from}&limit={limit}",
			Format:      "api",
			MaxNotes:    10000,
		},
		Pipeline: PipelineConfig{
			ReservedCPUs:          2,
			PartitionFactor:       2,
			BatchSize:             1000,
			Validate:              true,
			MaxRejectedChunkRatio: 0.5,
		},
		Gate: GateConfig{
			Kind:              GateLocal,
			Name:              "overpass",
			Capacity:          4,
			PollInterval:      500 * time.Millisecond,
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        time.Minute,
		},
		Boundaries: BoundariesConfig{
			Endpoint:    "https://overpass-api.de/api/interpreter",
			StatusURL:   "https://overpass-api.de/api/status",
			IDQuery:     `[out:csv(::id;false)];relation["type"="boundary"]["boundary"="administrative"]["admin_level"="2"];out ids;`,
			Concurrency: 8,
			MaxAttempts: 7,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   time.Minute,
			RandomizeFactor: 0.1,
		},
		Timeouts: TimeoutConfig{
			Request:  30 * time.Second,
			Download: time.Hour,
			Merge:    30 * time.Minute,
			Notify:   10 * time.Second,
			Release:  10 * time.Second,
		},
		Log: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// WorkerCount returns the transform pool size: the configured value, or the
// available CPUs minus the reserved headroom, never less than one.
func (p PipelineConfig) WorkerCount() int {
	if p.Workers > 0 {
		return p.Workers
	}
	n := runtime.NumCPU() - p.ReservedCPUs
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return invalid("store.driver", c.Store.Driver, "must be postgres or sqlite")
	}
	if c.Store.DSN == "" {
		return invalid("store.dsn", c.Store.DSN, "required")
	}
	if c.Coordinator.RunType == "" {
		return invalid("coordinator.run_type", c.Coordinator.RunType, "required")
	}
	if c.Coordinator.FailureMarkerPath == "" {
		return invalid("coordinator.failure_marker_path", "", "required")
	}
	if c.Coordinator.WorkDir == "" {
		return invalid("coordinator.work_dir", "", "required")
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return invalid("coordinator.heartbeat_interval", c.Coordinator.HeartbeatInterval, "must be positive")
	}
	if c.Coordinator.StaleAfter <= c.Coordinator.HeartbeatInterval {
		return invalid("coordinator.stale_after", c.Coordinator.StaleAfter, "must exceed heartbeat_interval")
	}
	if c.Delta.MaxNotes <= 0 {
		return invalid("delta.max_notes", c.Delta.MaxNotes, "must be positive")
	}
	if c.Pipeline.ReservedCPUs < 2 && c.Pipeline.Workers == 0 {
		return invalid("pipeline.reserved_cpus", c.Pipeline.ReservedCPUs, "must reserve at least 2")
	}
	if c.Pipeline.PartitionFactor < 1 {
		return invalid("pipeline.partition_factor", c.Pipeline.PartitionFactor, "must be at least 1")
	}
	if c.Pipeline.BatchSize < 1 {
		return invalid("pipeline.batch_size", c.Pipeline.BatchSize, "must be at least 1")
	}
	if c.Pipeline.MaxRejectedChunkRatio < 0 || c.Pipeline.MaxRejectedChunkRatio > 1 {
		return invalid("pipeline.max_rejected_chunk_ratio", c.Pipeline.MaxRejectedChunkRatio, "must be within [0,1]")
	}
	switch c.Gate.Kind {
	case GateLocal, GateSQL:
	default:
		return invalid("gate.kind", c.Gate.Kind, "must be local or sql")
	}
	if c.Gate.Capacity < 1 {
		return invalid("gate.capacity", c.Gate.Capacity, "must be at least 1")
	}
	if c.Gate.Kind == GateSQL && c.Gate.StaleAfter <= c.Gate.HeartbeatInterval {
		return invalid("gate.stale_after", c.Gate.StaleAfter, "must exceed heartbeat_interval")
	}
	if c.Boundaries.Enabled {
		if c.Boundaries.Endpoint == "" {
			return invalid("boundaries.endpoint", "", "required when boundaries are enabled")
		}
		if c.Boundaries.MaxAttempts < 1 {
			return invalid("boundaries.max_attempts", c.Boundaries.MaxAttempts, "must be at least 1")
		}
	}
	if c.Reliability.RetryAttempts < 1 {
		return invalid("reliability.retry_attempts", c.Reliability.RetryAttempts, "must be at least 1")
	}
	if c.Reliability.RandomizeFactor < 0 || c.Reliability.RandomizeFactor > 1 {
		return invalid("reliability.randomize_factor", c.Reliability.RandomizeFactor, "must be within [0,1]")
	}
	if (c.Notify.Kafka.Topic == "") != (len(c.Notify.Kafka.Brokers) == 0) {
		return invalid("notify.kafka", c.Notify.Kafka.Topic, "brokers and topic must be set together")
	}
	return nil
}

func invalid(key string, value interface{}, reason string) error {
	return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s: %s", key, reason)).
		WithDetail("key", key).
		WithDetail("value", value)
}
