package lsm

import (
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ByteSize is a byte count written in TOML as "4MiB", "64KB" or a plain number.
type ByteSize uint64

// UnmarshalText parses a human readable size.
func (b *ByteSize) UnmarshalText(text []byte) error {
	if n, err := strconv.ParseUint(string(text), 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", text)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText prints the size in binary units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

// Duration is a time.Duration written in TOML as "50ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText prints the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Compaction styles.
const (
	CompactionNone    = "none"
	CompactionLeveled = "leveled"
)

// Config contains configuration for the engine
type Config struct {
	BlockSize     ByteSize `toml:"block-size"`
	TargetSSTSize ByteSize `toml:"target-sst-size"`
	// Freeze the active memtable once it holds this much.
	MemTableSize ByteSize `toml:"memtable-size"`
	// Writers flush inline once this many immutable memtables are queued.
	NumMemTableLimit int `toml:"num-memtable-limit"`

	BlockCacheSize         ByteSize `toml:"block-cache-size"`
	BloomFalsePositiveRate float64  `toml:"bloom-false-positive-rate"`

	EnableWAL  bool `toml:"enable-wal"`
	SyncWrites bool `toml:"sync-writes"`
	// Serializable enables commit-time conflict detection for transactions.
	Serializable bool `toml:"serializable"`

	CompactionStyle                string   `toml:"compaction-style"`
	Level0FileNumCompactionTrigger int      `toml:"level0-file-num-compaction-trigger"`
	LevelSizeRatioPercent          int      `toml:"level-size-ratio-percent"`
	MaxLevels                      int      `toml:"max-levels"`
	CompactionBytesPerSec          ByteSize `toml:"compaction-bytes-per-sec"`

	FlushInterval      Duration `toml:"flush-interval"`
	CompactionInterval Duration `toml:"compaction-interval"`

	LogLevel string `toml:"log-level"`

	// Logger overrides LogLevel when set.
	Logger *zap.Logger `toml:"-"`
	// Registerer receives the engine's collectors; nil skips registration.
	Registerer prometheus.Registerer `toml:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		BlockSize:                      4 * units.KiB,
		TargetSSTSize:                  2 * units.MiB,
		MemTableSize:                   2 * units.MiB,
		NumMemTableLimit:               4,
		BlockCacheSize:                 64 * units.MiB,
		BloomFalsePositiveRate:         0.01,
		EnableWAL:                      true,
		SyncWrites:                     false,
		Serializable:                   true,
		CompactionStyle:                CompactionLeveled,
		Level0FileNumCompactionTrigger: 4,
		LevelSizeRatioPercent:          200,
		MaxLevels:                      4,
		FlushInterval:                  Duration{50 * time.Millisecond},
		CompactionInterval:             Duration{50 * time.Millisecond},
		LogLevel:                       "info",
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, errors.Wrapf(err, "failed to load config %s", path)
	}
	return config, config.Validate()
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.BlockSize < 64 || c.BlockSize > maxKeyLen:
		return errors.Wrapf(common.ErrInvalidConfig, "block-size must be in [64, %d], got %d", maxKeyLen, c.BlockSize)
	case c.TargetSSTSize < c.BlockSize:
		return errors.Wrap(common.ErrInvalidConfig, "target-sst-size must be at least block-size")
	case c.MemTableSize == 0:
		return errors.Wrap(common.ErrInvalidConfig, "memtable-size must be positive")
	case c.NumMemTableLimit < 1:
		return errors.Wrap(common.ErrInvalidConfig, "num-memtable-limit must be at least 1")
	case c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1:
		return errors.Wrap(common.ErrInvalidConfig, "bloom-false-positive-rate must be in (0, 1)")
	case c.MaxLevels < 1:
		return errors.Wrap(common.ErrInvalidConfig, "max-levels must be at least 1")
	case c.FlushInterval.Duration <= 0 || c.CompactionInterval.Duration <= 0:
		return errors.Wrap(common.ErrInvalidConfig, "worker intervals must be positive")
	}
	switch c.CompactionStyle {
	case CompactionNone:
	case CompactionLeveled:
		if c.Level0FileNumCompactionTrigger < 1 || c.LevelSizeRatioPercent < 1 {
			return errors.Wrap(common.ErrInvalidConfig, "leveled compaction needs a positive L0 trigger and size ratio")
		}
	default:
		return errors.Wrapf(common.ErrInvalidConfig, "unknown compaction-style %q", c.CompactionStyle)
	}
	return nil
}

// buildLogger returns the configured logger or a production logger at LogLevel.
func (c *Config) buildLogger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidConfig, "log-level: %v", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	return logger, errors.Wrap(err, "failed to build logger")
}
