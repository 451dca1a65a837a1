// Package config implements the YAML config file parser
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"powerdns.com/platform/snapsync/config/logger"
)

// Replication defaults
const (
	DefaultBatchSize        = 512 * datasize.KB
	DefaultHighWaterMark    = 2 * datasize.MB
	DefaultBackoff          = 500 * time.Microsecond
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultReadChunkSize    = 256 * datasize.KB
	DefaultWriteTimeout     = time.Minute
	DefaultConnectTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWorkers          = 4
	DefaultMaxFrameSize     = 256 * datasize.MB
)

// DefaultCompleteTimeout bounds the wait for the reply to the complete frame.
// The importer only replies after it applied all data, which for a large
// snapshot on a slow disk can take a long time.
const DefaultCompleteTimeout = 30 * time.Minute

// DefaultMaintenanceInterval is the default interval between background
// maintenance passes on the storage engine
const DefaultMaintenanceInterval = 5 * time.Minute

// StorageTypes lists the supported storage engines
var StorageTypes = []string{"memory", "leveldb", "lmdb"}

// Compressions lists the supported compression names for mset payloads
var Compressions = []string{"s2", "zstd", "none"}

// Config is the config root object
type Config struct {
	Listen      string        `yaml:"listen"` // Address like ":8888"
	Storage     Storage       `yaml:"storage"`
	Replication Replication   `yaml:"replication"`
	Maintenance Maintenance   `yaml:"maintenance"`
	Archive     Archive       `yaml:"archive"`
	Health      Health        `yaml:"health"`
	HTTP        HTTP          `yaml:"http"`
	Log         logger.Config `yaml:"log"`

	// Set to current version by main
	Version string `yaml:"-"`
}

// Storage configures the local storage engine
type Storage struct {
	Type    string         `yaml:"type"` // One of StorageTypes
	Path    string         `yaml:"path"` // Directory, unused by 'memory'
	Options StorageOptions `yaml:"options"`
}

// StorageOptions are engine specific. Options that do not apply to the
// configured engine are ignored.
type StorageOptions struct {
	DirMask         os.FileMode       `yaml:"dir_mask"`
	FileMask        os.FileMode       `yaml:"file_mask"`
	MapSize         datasize.ByteSize `yaml:"map_size"`          // lmdb
	NoSync          bool              `yaml:"no_sync"`           // lmdb, leveldb
	BlockCacheSize  datasize.ByteSize `yaml:"block_cache_size"`  // leveldb
	WriteBufferSize datasize.ByteSize `yaml:"write_buffer_size"` // leveldb
}

// Replication tunes the snapshot transfer
type Replication struct {
	// Flush the pending batch once it grows beyond this size
	BatchSize datasize.ByteSize `yaml:"batch_size"`
	// Stop producing while more than this is queued for the data connection
	HighWaterMark datasize.ByteSize `yaml:"high_water_mark"`
	// Sleep between backpressure checks
	Backoff time.Duration `yaml:"backoff"`
	// Maximum wait for input before re-checking job state
	PollInterval time.Duration `yaml:"poll_interval"`
	// Read size per socket read
	ReadChunkSize datasize.ByteSize `yaml:"read_chunk_size"`

	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CompleteTimeout  time.Duration `yaml:"complete_timeout"`

	Workers      int               `yaml:"workers"`     // Concurrent transfer jobs
	Compression  string            `yaml:"compression"` // One of Compressions
	MaxFrameSize datasize.ByteSize `yaml:"max_frame_size"`
}

// Maintenance configures background storage maintenance
type Maintenance struct {
	Interval time.Duration `yaml:"interval"` // 0 disables maintenance
}

// Archive configures the simpleblob backend used by dump and restore
type Archive struct {
	Type    string                 `yaml:"type"` // simpleblob backend, like "fs" or "s3"
	Options map[string]interface{} `yaml:"options"`
}

// Health configures the health checks on replication results
type Health struct {
	EvaluationInterval time.Duration `yaml:"interval"`
	ErrorDuration      time.Duration `yaml:"error_duration"`
	WarnDuration       time.Duration `yaml:"warn_duration"`
	ErrorSequence      uint32        `yaml:"error_sequence"`
	WarnSequence       uint32        `yaml:"warn_sequence"`
	Startup            Startup       `yaml:"startup"`
}

// Startup configures the health check that is failing until the node has
// opened its storage and is accepting connections
type Startup struct {
	EvaluationInterval time.Duration `yaml:"interval"`
	ErrorDuration      time.Duration `yaml:"error_duration"`
	WarnDuration       time.Duration `yaml:"warn_duration"`
	ReportHealthz      bool          `yaml:"report_healthz"`
	ReportMetadata     bool          `yaml:"report_metadata"`
}

// HTTP configures the HTTP server with Prometheus metrics and status page
type HTTP struct {
	Address string `yaml:"address"` // Address like ":8000"
}

// Check validates a Config instance
func (c Config) Check() error {
	if err := c.Log.Check(); err != nil {
		return err
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("listen: %v", err)
		}
	}
	if err := c.Storage.Check(); err != nil {
		return err
	}
	if err := c.Replication.Check(); err != nil {
		return err
	}
	if c.Maintenance.Interval != 0 && c.Maintenance.Interval < time.Second {
		return fmt.Errorf("maintenance.interval: too short interval")
	}
	if c.Health.EvaluationInterval != 0 && c.Health.EvaluationInterval < time.Second {
		return fmt.Errorf("health.interval: too short interval")
	}
	if c.HTTP.Address != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			return fmt.Errorf("http.address: %v", err)
		}
	}
	return nil
}

// Check validates the storage section
func (s Storage) Check() error {
	if !lo.Contains(StorageTypes, s.Type) {
		return fmt.Errorf("storage.type: must be one of: %s", strings.Join(StorageTypes, ", "))
	}
	if s.Type != "memory" && s.Path == "" {
		return fmt.Errorf("storage.path: required for storage type %q", s.Type)
	}
	if s.Options.FileMask > 0777 { // decimal 511
		return fmt.Errorf("storage.options.file_mask: too large value, possible use of decimal (%d) instead of octal (%#o)",
			s.Options.FileMask, s.Options.FileMask)
	}
	if s.Options.DirMask > 0777 {
		return fmt.Errorf("storage.options.dir_mask: too large value, possible use of decimal (%d) instead of octal (%#o)",
			s.Options.DirMask, s.Options.DirMask)
	}
	return nil
}

// Check validates the replication section
func (r Replication) Check() error {
	if r.BatchSize == 0 {
		return fmt.Errorf("replication.batch_size: must be positive")
	}
	if r.HighWaterMark < r.BatchSize {
		return fmt.Errorf("replication.high_water_mark: must be at least batch_size (%s)", r.BatchSize.HR())
	}
	if r.MaxFrameSize < r.BatchSize {
		return fmt.Errorf("replication.max_frame_size: must be at least batch_size (%s)", r.BatchSize.HR())
	}
	if r.ReadChunkSize < datasize.KB {
		return fmt.Errorf("replication.read_chunk_size: too small")
	}
	if r.PollInterval < time.Millisecond {
		return fmt.Errorf("replication.poll_interval: too short interval")
	}
	if r.Backoff <= 0 {
		return fmt.Errorf("replication.backoff: must be positive")
	}
	for name, d := range map[string]time.Duration{
		"write_timeout":     r.WriteTimeout,
		"connect_timeout":   r.ConnectTimeout,
		"handshake_timeout": r.HandshakeTimeout,
		"complete_timeout":  r.CompleteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("replication.%s: must be positive", name)
		}
	}
	if r.Workers < 1 {
		return fmt.Errorf("replication.workers: must be at least 1")
	}
	if !lo.Contains(Compressions, r.Compression) {
		return fmt.Errorf("replication.compression: must be one of: %s", strings.Join(Compressions, ", "))
	}
	return nil
}

// String returns the config as a YAML string
func (c Config) String() string {
	y, err := yaml.Marshal(c)
	if err != nil {
		logrus.Panicf("YAML marshal of config failed: %v", err) // Should never happen
	}
	return string(y)
}

// LoadYAML loads config from YAML. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAML(yamlContents []byte, expandEnv bool) error {
	if expandEnv {
		yamlContents = []byte(os.ExpandEnv(string(yamlContents)))
	}
	return yaml.UnmarshalStrict(yamlContents, c)
}

// LoadYAMLFile loads config from a YAML file. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAMLFile(fpath string, expandEnv bool) error {
	contents, err := os.ReadFile(fpath)
	if err != nil {
		return errors.Wrap(err, "open yaml file")
	}
	return c.LoadYAML(contents, expandEnv)
}

// Default returns a Config with default settings
func Default() Config {
	return Config{
		Listen: ":8888",
		Storage: Storage{
			Type: "memory",
		},
		Replication: Replication{
			BatchSize:        DefaultBatchSize,
			HighWaterMark:    DefaultHighWaterMark,
			Backoff:          DefaultBackoff,
			PollInterval:     DefaultPollInterval,
			ReadChunkSize:    DefaultReadChunkSize,
			WriteTimeout:     DefaultWriteTimeout,
			ConnectTimeout:   DefaultConnectTimeout,
			HandshakeTimeout: DefaultHandshakeTimeout,
			CompleteTimeout:  DefaultCompleteTimeout,
			Workers:          DefaultWorkers,
			Compression:      "s2",
			MaxFrameSize:     DefaultMaxFrameSize,
		},
		Maintenance: Maintenance{
			Interval: DefaultMaintenanceInterval,
		},
		Health: Health{
			EvaluationInterval: 5 * time.Second,
			ErrorDuration:      30 * time.Minute,
			WarnDuration:       10 * time.Minute,
			ErrorSequence:      5,
			WarnSequence:       1,
			Startup: Startup{
				EvaluationInterval: 5 * time.Second,
				ErrorDuration:      time.Minute,
				WarnDuration:       10 * time.Second,
				ReportHealthz:      true,
				ReportMetadata:     true,
			},
		},
		Log: logger.DefaultConfig,
	}
}
