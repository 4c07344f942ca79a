package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/run"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// Bus transports.
const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

// Defaults.
const (
	DefaultBusBufferSize  = 256
	DefaultPerfBufferSize = 1024
	DefaultRedisAddr      = "localhost:6379"
	DefaultChannelPrefix  = "runengine:"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RUNENGINE_"

	MaxStepsLimit   = 1_000_000
	MaxDepthLimit   = 1000
	MaxBufferSize   = 1 << 20
	MaxPoolSize     = 10_000
	MaxRedisDBIndex = 15
)

// Validation errors.
var (
	ErrInvalidStoreDriver = errors.New("invalid store driver")
	ErrMissingDSN         = errors.New("store dsn is required")
	ErrInvalidTransport   = errors.New("invalid bus transport")
	ErrMissingRedisAddr   = errors.New("redis address is required")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidBufferSize  = errors.New("buffer size must be positive")
	ErrInvalidEnv         = errors.New("invalid environment override")
)

// Settings is the full engine configuration.
type Settings struct {
	Run        run.Config
	Store      StoreSettings
	Checkpoint CheckpointSettings
	Bus        BusSettings
	Log        LogSettings
	Perf       PerfSettings
}

// StoreSettings selects the state store.
type StoreSettings struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CheckpointSettings optionally moves checkpoints to a blob bucket instead
// of the state store.
type CheckpointSettings struct {
	// BucketURL is a gocloud.dev/blob URL such as "file:///var/runengine" or
	// "s3://bucket". Empty keeps checkpoints in the state store.
	BucketURL string
	Prefix    string
}

// BusSettings selects the event transport.
type BusSettings struct {
	Transport     string
	BufferSize    int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// LogSettings configures the slog handler.
type LogSettings struct {
	Level  string
	Format string
}

// PerfSettings configures the performance monitor.
type PerfSettings struct {
	Enabled    bool
	BufferSize int
}

// DefaultSettings returns an in-process setup: memory store, local bus,
// default run limits.
func DefaultSettings() *Settings {
	return &Settings{
		Run: run.DefaultConfig(),
		Store: StoreSettings{
			Driver: StoreMemory,
		},
		Bus: BusSettings{
			Transport:     TransportLocal,
			BufferSize:    DefaultBusBufferSize,
			RedisAddr:     DefaultRedisAddr,
			ChannelPrefix: DefaultChannelPrefix,
		},
		Log: LogSettings{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Perf: PerfSettings{
			Enabled:    true,
			BufferSize: DefaultPerfBufferSize,
		},
	}
}

// FromConfig overlays the values present in c onto the defaults.
func FromConfig(c Config) *Settings {
	s := DefaultSettings()

	r := c.Sub("run")
	s.Run.MaxSteps = r.Int("max_steps", s.Run.MaxSteps)
	s.Run.MaxDepth = r.Int("max_depth", s.Run.MaxDepth)
	s.Run.MaxTime = r.Duration("max_time", s.Run.MaxTime)
	s.Run.MaxCost = r.Float("max_cost", s.Run.MaxCost)
	s.Run.Parallelization = r.Bool("parallelization", s.Run.Parallelization)
	s.Run.MaxConcurrentBranches = r.Int("max_concurrent_branches", s.Run.MaxConcurrentBranches)
	s.Run.CheckpointInterval = r.Duration("checkpoint_interval", s.Run.CheckpointInterval)
	s.Run.RecoveryStrategy = run.RecoveryStrategy(r.String("recovery_strategy", string(s.Run.RecoveryStrategy)))
	s.Run.StepTimeout = r.Duration("step_timeout", s.Run.StepTimeout)

	st := c.Sub("store")
	s.Store.Driver = st.String("driver", s.Store.Driver)
	s.Store.DSN = st.String("dsn", s.Store.DSN)
	s.Store.MaxOpenConns = st.Int("max_open_conns", s.Store.MaxOpenConns)
	s.Store.MaxIdleConns = st.Int("max_idle_conns", s.Store.MaxIdleConns)
	s.Store.ConnMaxLifetime = st.Duration("conn_max_lifetime", s.Store.ConnMaxLifetime)

	s.Checkpoint.BucketURL = c.String("checkpoint.bucket_url", s.Checkpoint.BucketURL)
	s.Checkpoint.Prefix = c.String("checkpoint.prefix", s.Checkpoint.Prefix)

	b := c.Sub("bus")
	s.Bus.Transport = b.String("transport", s.Bus.Transport)
	s.Bus.BufferSize = b.Int("buffer_size", s.Bus.BufferSize)
	s.Bus.RedisAddr = b.String("redis.addr", s.Bus.RedisAddr)
	s.Bus.RedisPassword = b.String("redis.password", s.Bus.RedisPassword)
	s.Bus.RedisDB = b.Int("redis.db", s.Bus.RedisDB)
	s.Bus.ChannelPrefix = b.String("redis.channel_prefix", s.Bus.ChannelPrefix)

	s.Log.Level = c.String("log.level", s.Log.Level)
	s.Log.Format = c.String("log.format", s.Log.Format)

	s.Perf.Enabled = c.Bool("perf.enabled", s.Perf.Enabled)
	s.Perf.BufferSize = c.Int("perf.buffer_size", s.Perf.BufferSize)

	return s
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		c, err := FromFile(path)
		if err != nil {
			return nil, err
		}
		s = FromConfig(c)
	}
	if err := s.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFromEnv applies RUNENGINE_* environment overrides. It returns an
// error when a variable is set but cannot be parsed.
func (s *Settings) LoadFromEnv() error {
	loadEnvString("STORE_DRIVER", &s.Store.Driver)
	loadEnvString("STORE_DSN", &s.Store.DSN)
	loadEnvString("CHECKPOINT_BUCKET_URL", &s.Checkpoint.BucketURL)
	loadEnvString("CHECKPOINT_PREFIX", &s.Checkpoint.Prefix)
	loadEnvString("BUS_TRANSPORT", &s.Bus.Transport)
	loadEnvString("REDIS_ADDR", &s.Bus.RedisAddr)
	loadEnvString("REDIS_PASSWORD", &s.Bus.RedisPassword)
	loadEnvString("REDIS_CHANNEL_PREFIX", &s.Bus.ChannelPrefix)
	loadEnvString("LOG_LEVEL", &s.Log.Level)
	loadEnvString("LOG_FORMAT", &s.Log.Format)

	var strategy string
	loadEnvString("RECOVERY_STRATEGY", &strategy)
	if strategy != "" {
		s.Run.RecoveryStrategy = run.RecoveryStrategy(strategy)
	}

	var parallel string
	loadEnvString("PARALLELIZATION", &parallel)
	if parallel != "" {
		b, err := strconv.ParseBool(parallel)
		if err != nil {
			return fmt.Errorf("%w: %sPARALLELIZATION=%q", ErrInvalidEnv, EnvPrefix, parallel)
		}
		s.Run.Parallelization = b
	}

	return errors.Join(
		loadEnvInt("MAX_STEPS", &s.Run.MaxSteps, 0, MaxStepsLimit),
		loadEnvInt("MAX_DEPTH", &s.Run.MaxDepth, 0, MaxDepthLimit),
		loadEnvInt("MAX_CONCURRENT_BRANCHES", &s.Run.MaxConcurrentBranches, -1, MaxPoolSize),
		loadEnvInt("STORE_MAX_OPEN_CONNS", &s.Store.MaxOpenConns, -1, MaxPoolSize),
		loadEnvInt("STORE_MAX_IDLE_CONNS", &s.Store.MaxIdleConns, -1, MaxPoolSize),
		loadEnvInt("BUS_BUFFER_SIZE", &s.Bus.BufferSize, 0, MaxBufferSize),
		loadEnvInt("REDIS_DB", &s.Bus.RedisDB, -1, MaxRedisDBIndex),
		loadEnvDuration("MAX_TIME", &s.Run.MaxTime),
		loadEnvDuration("CHECKPOINT_INTERVAL", &s.Run.CheckpointInterval),
		loadEnvDuration("STEP_TIMEOUT", &s.Run.StepTimeout),
	)
}

// Validate checks every section and joins all problems found.
func (s *Settings) Validate() error {
	var errs []error
	if err := s.Run.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch s.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StoreMySQL, StorePostgres:
		if s.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%w for driver %s", ErrMissingDSN, s.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidStoreDriver, s.Store.Driver))
	}

	switch s.Bus.Transport {
	case TransportLocal:
	case TransportRedis:
		if s.Bus.RedisAddr == "" {
			errs = append(errs, ErrMissingRedisAddr)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTransport, s.Bus.Transport))
	}
	if s.Bus.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: bus buffer %d", ErrInvalidBufferSize, s.Bus.BufferSize))
	}
	if s.Perf.Enabled && s.Perf.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: perf buffer %d", ErrInvalidBufferSize, s.Perf.BufferSize))
	}

	if _, err := s.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogFormat, s.Log.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds a slog logger writing to w with the configured level and
// format.
func (l LogSettings) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLogFormat, l.Format)
	}
}

func (l LogSettings) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	return level, nil
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

// loadEnvInt sets *dst from the environment when the value lies in
// (lo, hi].
func loadEnvInt(key string, dst *int, lo, hi int) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q", ErrInvalidEnv, EnvPrefix, key, s)
	}
	if v <= lo || v > hi {
		return fmt.Errorf("%w: %s%s=%d out of range [%d, %d]", ErrInvalidEnv, EnvPrefix, key, v, lo+1, hi)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q", ErrInvalidEnv, EnvPrefix, key, s)
	}
	*dst = d
	return nil
}
