// Package config loads engine and process settings from a JSON file and the
// environment.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/lsm"
)

// ErrInvalidConfig is returned by Validate and Load for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

const DefaultPath = "config.json"

type Config struct {
	MemTableMaxEntries int
	BloomBitSize       uint32
	BloomHashCount     int
	// MaxFilesPerLevel is the L0 file count that triggers compaction.
	MaxFilesPerLevel   int
	FlushInterval      time.Duration
	CompactionInterval time.Duration
	// DataDir is the engine root; tables live in DataDir/sst.
	DataDir      string
	WALBatchSize int
	LogFile      string
	LogLevel     string
	HTTPAddr     string
}

func Default() *Config {
	return &Config{
		MemTableMaxEntries: lsm.DefaultMemTableEntries,
		BloomBitSize:       lsm.DefaultBloomBitSize,
		BloomHashCount:     lsm.DefaultBloomHashCount,
		MaxFilesPerLevel:   lsm.DefaultMaxFilesPerLevel,
		FlushInterval:      lsm.DefaultFlushInterval,
		CompactionInterval: lsm.DefaultCompactionInterval,
		DataDir:            "data",
		WALBatchSize:       lsm.DefaultWALBatchSize,
		LogFile:            "logs/aurorakv.log",
		LogLevel:           "info",
		HTTPAddr:           ":6866",
	}
}

// fileConfig mirrors the on-disk JSON layout. Pointers distinguish absent
// keys from zero values so absent keys keep their defaults.
type fileConfig struct {
	Storage struct {
		MemTable struct {
			MaxEntries *int `json:"max_entries"`
		} `json:"memtable"`
		SSTable struct {
			DataDirectory *string `json:"data_directory"`
		} `json:"sstable"`
		WAL struct {
			BatchSize *int `json:"batch_size"`
		} `json:"wal"`
	} `json:"storage"`
	BloomFilter struct {
		BitSize       *uint32 `json:"bit_size"`
		HashFunctions *int    `json:"hash_functions"`
	} `json:"bloom_filter"`
	Compaction struct {
		MaxFilesPerLevel *int `json:"max_files_per_level"`
	} `json:"compaction"`
	Background struct {
		FlushIntervalMs      *int64 `json:"flush_interval_ms"`
		CompactionIntervalMs *int64 `json:"compaction_interval_ms"`
	} `json:"background"`
	Logging struct {
		File  *string `json:"file"`
		Level *string `json:"level"`
	} `json:"logging"`
	Server struct {
		Addr *string `json:"addr"`
	} `json:"server"`
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.applyJSON(b); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	case os.IsNotExist(err):
		slog.Warn("Config file not found, using defaults", "path", path)
	default:
		return nil, errors.Wrapf(err, "read %s", path)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyJSON(b []byte) error {
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	setInt(&c.MemTableMaxEntries, fc.Storage.MemTable.MaxEntries)
	setString(&c.DataDir, fc.Storage.SSTable.DataDirectory)
	setInt(&c.WALBatchSize, fc.Storage.WAL.BatchSize)
	if fc.BloomFilter.BitSize != nil {
		c.BloomBitSize = *fc.BloomFilter.BitSize
	}
	setInt(&c.BloomHashCount, fc.BloomFilter.HashFunctions)
	setInt(&c.MaxFilesPerLevel, fc.Compaction.MaxFilesPerLevel)
	if ms := fc.Background.FlushIntervalMs; ms != nil {
		c.FlushInterval = time.Duration(*ms) * time.Millisecond
	}
	if ms := fc.Background.CompactionIntervalMs; ms != nil {
		c.CompactionInterval = time.Duration(*ms) * time.Millisecond
	}
	setString(&c.LogFile, fc.Logging.File)
	setString(&c.LogLevel, fc.Logging.Level)
	setString(&c.HTTPAddr, fc.Server.Addr)
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// applyEnv applies AURORAKV_* overrides. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("AURORAKV_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := lookup("AURORAKV_MEMTABLE_MAX_ENTRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "AURORAKV_MEMTABLE_MAX_ENTRIES=%q", v)
		}
		c.MemTableMaxEntries = n
	}
	if v, ok := lookup("AURORAKV_FLUSH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "AURORAKV_FLUSH_INTERVAL=%q", v)
		}
		c.FlushInterval = d
	}
	if v, ok := lookup("AURORAKV_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.MemTableMaxEntries <= 0:
		return errors.Wrap(ErrInvalidConfig, "memtable max entries must be positive")
	case c.BloomBitSize == 0:
		return errors.Wrap(ErrInvalidConfig, "bloom filter bit size must be positive")
	case c.BloomHashCount <= 0:
		return errors.Wrap(ErrInvalidConfig, "bloom filter hash count must be positive")
	case c.MaxFilesPerLevel <= 0:
		return errors.Wrap(ErrInvalidConfig, "max files per level must be positive")
	case c.FlushInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "flush interval must be positive")
	case c.CompactionInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "compaction interval must be positive")
	case c.WALBatchSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "wal batch size must be positive")
	case strings.TrimSpace(c.DataDir) == "":
		return errors.Wrap(ErrInvalidConfig, "data directory must not be empty")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, errors.Wrapf(ErrInvalidConfig, "log level %q", s)
	}
	return l, nil
}

// EngineOptions converts the settings for lsm.Open.
func (c *Config) EngineOptions(logger *slog.Logger) lsm.Options {
	return lsm.Options{
		Dir:                c.DataDir,
		MemTableMaxEntries: c.MemTableMaxEntries,
		BloomBitSize:       c.BloomBitSize,
		BloomHashCount:     c.BloomHashCount,
		MaxFilesPerLevel:   c.MaxFilesPerLevel,
		WALBatchSize:       c.WALBatchSize,
		FlushInterval:      c.FlushInterval,
		CompactionInterval: c.CompactionInterval,
		Logger:             logger,
	}
}
