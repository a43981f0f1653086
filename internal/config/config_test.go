package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, Default().MemTableMaxEntries, cfg.MemTableMaxEntries)
	require.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": {
			"memtable": {"max_entries": 50},
			"sstable": {"data_directory": "/tmp/aurora"}
		},
		"bloom_filter": {"bit_size": 2048, "hash_functions": 5},
		"compaction": {"max_files_per_level": 3},
		"background": {"flush_interval_ms": 250},
		"logging": {"level": "debug"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MemTableMaxEntries)
	require.Equal(t, "/tmp/aurora", cfg.DataDir)
	require.EqualValues(t, 2048, cfg.BloomBitSize)
	require.Equal(t, 5, cfg.BloomHashCount)
	require.Equal(t, 3, cfg.MaxFilesPerLevel)
	require.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	require.Equal(t, "debug", cfg.LogLevel)
	// Absent keys keep their defaults.
	require.Equal(t, Default().CompactionInterval, cfg.CompactionInterval)
	require.Equal(t, Default().WALBatchSize, cfg.WALBatchSize)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	for name, content := range map[string]string{
		"malformed":     `{"storage":`,
		"zero entries":  `{"storage":{"memtable":{"max_entries":0}}}`,
		"empty dir":     `{"storage":{"sstable":{"data_directory":""}}}`,
		"bad log level": `{"logging":{"level":"loud"}}`,
		"zero hashes":   `{"bloom_filter":{"hash_functions":0}}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := Load(path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AURORAKV_DATA_DIR":             "/var/lib/aurora",
		"AURORAKV_MEMTABLE_MAX_ENTRIES": "77",
		"AURORAKV_FLUSH_INTERVAL":       "3s",
		"AURORAKV_LOG_LEVEL":            "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.Equal(t, "/var/lib/aurora", cfg.DataDir)
	require.Equal(t, 77, cfg.MemTableMaxEntries)
	require.Equal(t, 3*time.Second, cfg.FlushInterval)
	require.Equal(t, "warn", cfg.LogLevel)

	env["AURORAKV_FLUSH_INTERVAL"] = "soon"
	require.ErrorIs(t, Default().applyEnv(lookup), ErrInvalidConfig)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("error")
	require.NoError(t, err)
	require.Equal(t, slog.LevelError, l)
	_, err = ParseLevel("verbose")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	opts := cfg.EngineOptions(nil)
	require.Equal(t, "/data", opts.Dir)
	require.Equal(t, cfg.MemTableMaxEntries, opts.MemTableMaxEntries)
	require.Equal(t, cfg.CompactionInterval, opts.CompactionInterval)
}
