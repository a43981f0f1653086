// Package metrics exports engine counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/nconghau/AuroraKV/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "aurorakv"

// Source is the read-only view of the engine the collector scrapes.
type Source interface {
	Stats() engine.Stats
	Levels() []engine.LevelInfo
}

// Collector reads Stats and Levels on every scrape, so it never holds
// stale copies of the counters.
type Collector struct {
	src Source

	puts            *prometheus.Desc
	gets            *prometheus.Desc
	deletes         *prometheus.Desc
	flushes         *prometheus.Desc
	compactions     *prometheus.Desc
	bytesWritten    *prometheus.Desc
	compactionBytes *prometheus.Desc
	sstablesRead    *prometheus.Desc
	perGetMean      *prometheus.Desc
	perGetP99       *prometheus.Desc
	levelFiles      *prometheus.Desc
	levelBytes      *prometheus.Desc
	levelMaxBytes   *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	level := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "level", name), help, []string{"level"}, nil)
	}
	return &Collector{
		src:             src,
		puts:            desc("puts_total", "Put operations."),
		gets:            desc("gets_total", "Get operations."),
		deletes:         desc("deletes_total", "Delete operations."),
		flushes:         desc("flushes_total", "MemTable flushes."),
		compactions:     desc("compactions_total", "Compaction passes that did work."),
		bytesWritten:    desc("bytes_written_total", "Key and value bytes accepted by Put."),
		compactionBytes: desc("compaction_bytes_total", "Bytes written by compactions."),
		sstablesRead:    desc("sstables_read_total", "SSTables read from disk by Get."),
		perGetMean:      desc("sstables_per_get_mean", "Mean SSTables read per Get."),
		perGetP99:       desc("sstables_per_get_p99", "99th percentile of SSTables read per Get."),
		levelFiles:      level("files", "SSTables in the level."),
		levelBytes:      level("bytes", "Bytes in the level."),
		levelMaxBytes:   level("max_bytes", "Byte budget of the level."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.puts, c.gets, c.deletes, c.flushes, c.compactions, c.bytesWritten,
		c.compactionBytes, c.sstablesRead, c.perGetMean, c.perGetP99,
		c.levelFiles, c.levelBytes, c.levelMaxBytes,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	counters := []struct {
		desc *prometheus.Desc
		v    uint64
	}{
		{c.puts, st.Puts},
		{c.gets, st.Gets},
		{c.deletes, st.Deletes},
		{c.flushes, st.Flushes},
		{c.compactions, st.Compactions},
		{c.bytesWritten, st.BytesWritten},
		{c.compactionBytes, st.CompactionBytes},
		{c.sstablesRead, st.SSTablesRead},
	}
	for _, m := range counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.v))
	}
	ch <- prometheus.MustNewConstMetric(c.perGetMean, prometheus.GaugeValue, st.SSTablesPerGetMean)
	ch <- prometheus.MustNewConstMetric(c.perGetP99, prometheus.GaugeValue, float64(st.SSTablesPerGetP99))

	for _, l := range c.src.Levels() {
		lvl := strconv.Itoa(l.Level)
		ch <- prometheus.MustNewConstMetric(c.levelFiles, prometheus.GaugeValue, float64(len(l.Files)), lvl)
		ch <- prometheus.MustNewConstMetric(c.levelBytes, prometheus.GaugeValue, float64(l.Bytes), lvl)
		ch <- prometheus.MustNewConstMetric(c.levelMaxBytes, prometheus.GaugeValue, float64(l.MaxBytes), lvl)
	}
}

// NewRegistry returns a registry holding the engine collector plus the Go
// runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
