package metrics

import (
	"strings"
	"testing"

	"github.com/nconghau/AuroraKV/internal/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats  engine.Stats
	levels []engine.LevelInfo
}

func (f *fakeSource) Stats() engine.Stats { return f.stats }

func (f *fakeSource) Levels() []engine.LevelInfo { return f.levels }

func TestCollector(t *testing.T) {
	src := &fakeSource{
		stats: engine.Stats{Puts: 7, Gets: 3, Flushes: 2},
		levels: []engine.LevelInfo{
			{Level: 0, Files: []engine.FileInfo{{Name: "sst-000001.sst"}}, Bytes: 100, MaxBytes: 1000},
			{Level: 1, Bytes: 0, MaxBytes: 10000},
		},
	}
	c := NewCollector(src)

	// 10 engine metrics plus 3 per level.
	require.Equal(t, 16, testutil.CollectAndCount(c))

	expected := `
# HELP aurorakv_puts_total Put operations.
# TYPE aurorakv_puts_total counter
aurorakv_puts_total 7
# HELP aurorakv_level_files SSTables in the level.
# TYPE aurorakv_level_files gauge
aurorakv_level_files{level="0"} 1
aurorakv_level_files{level="1"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"aurorakv_puts_total", "aurorakv_level_files"))

	// Values are read at scrape time.
	src.stats.Puts = 9
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(strings.Replace(expected, "total 7", "total 9", 1)),
		"aurorakv_puts_total", "aurorakv_level_files"))
}

func TestRegistryGathers(t *testing.T) {
	reg := NewRegistry(&fakeSource{})
	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["aurorakv_gets_total"])
	require.True(t, names["go_goroutines"])
}
