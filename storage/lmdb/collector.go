package lmdb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// collector exports LMDB environment statistics of all open backends.
// Backends add themselves on Open and remove themselves on Close.
type collector struct {
	mu      sync.Mutex
	targets map[string]target
}

type target struct {
	path string
	env  *lmdb.Env
	dbi  lmdb.DBI
}

func newCollector() *collector {
	return &collector{targets: make(map[string]target)}
}

func (c *collector) add(t target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[t.path] = t
}

func (c *collector) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, path)
}

// Describe is part of the prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- envMapSizeDesc
	ch <- envReadersDesc
	ch <- envMaxReadersDesc
	ch <- envLastTxnIDDesc
	ch <- envFileSizeDesc
	ch <- usageBytesDesc
	ch <- usageFractionDesc
	ch <- entriesDesc
	ch <- pagesDesc
	ch <- depthDesc
}

// Collect is part of the prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	var targets []target
	for _, t := range c.targets {
		targets = append(targets, t)
	}
	c.mu.Unlock()
	for _, t := range targets {
		if err := t.collect(ch); err != nil {
			logrus.WithField("path", t.path).WithError(err).Error("LMDB stats collection failed")
		}
	}
}

func (t target) collect(ch chan<- prometheus.Metric) error {
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v,
			append([]string{t.path}, labels...)...)
	}

	info, err := t.env.Info()
	if err != nil {
		return errors.Wrap(err, "env info")
	}
	gauge(envMapSizeDesc, float64(info.MapSize))
	gauge(envReadersDesc, float64(info.NumReaders))
	gauge(envMaxReadersDesc, float64(info.MaxReaders))
	gauge(envLastTxnIDDesc, float64(info.LastTxnID))

	size, err := fileSize(t.path)
	if err != nil {
		return errors.Wrap(err, "file size")
	}
	gauge(envFileSizeDesc, float64(size))

	var stat *lmdb.Stat
	err = t.env.View(func(txn *lmdb.Txn) error {
		stat, err = txn.Stat(t.dbi)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "stat")
	}
	used := pageUsageBytes(stat)
	gauge(usageBytesDesc, float64(used))
	if info.MapSize > 0 {
		gauge(usageFractionDesc, float64(used)/float64(info.MapSize))
	}
	gauge(entriesDesc, float64(stat.Entries))
	gauge(depthDesc, float64(stat.Depth))
	gauge(pagesDesc, float64(stat.BranchPages), "branch")
	gauge(pagesDesc, float64(stat.LeafPages), "leaf")
	gauge(pagesDesc, float64(stat.OverflowPages), "overflow")
	return nil
}

// pageUsageBytes estimates the bytes of the map used by the pages of a DBI
func pageUsageBytes(s *lmdb.Stat) uint64 {
	return uint64(s.PSize) * (s.BranchPages + s.LeafPages + s.OverflowPages)
}

func fileSize(dir string) (int64, error) {
	st, err := os.Stat(filepath.Join(dir, "data.mdb"))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

var _ prometheus.Collector = (*collector)(nil)

var statsCollector = newCollector()

func init() {
	prometheus.MustRegister(statsCollector)
}

var (
	envMapSizeDesc = prometheus.NewDesc(
		"snapsync_lmdb_mapsize_bytes",
		"Map size of the LMDB environment",
		[]string{"path"}, nil,
	)
	envReadersDesc = prometheus.NewDesc(
		"snapsync_lmdb_readers_current",
		"Number of reader slots in use, including open snapshots",
		[]string{"path"}, nil,
	)
	envMaxReadersDesc = prometheus.NewDesc(
		"snapsync_lmdb_readers_max",
		"Maximum number of readers",
		[]string{"path"}, nil,
	)
	envLastTxnIDDesc = prometheus.NewDesc(
		"snapsync_lmdb_last_txn_id",
		"Last write transaction ID",
		[]string{"path"}, nil,
	)
	envFileSizeDesc = prometheus.NewDesc(
		"snapsync_lmdb_filesize_bytes",
		"Size of the LMDB data file",
		[]string{"path"}, nil,
	)
	usageBytesDesc = prometheus.NewDesc(
		"snapsync_lmdb_usage_bytes",
		"Bytes used in the last version by data",
		[]string{"path"}, nil,
	)
	usageFractionDesc = prometheus.NewDesc(
		"snapsync_lmdb_usage_fraction",
		"Bytes used in the last version by data as fraction (0-1) of the map size",
		[]string{"path"}, nil,
	)
	entriesDesc = prometheus.NewDesc(
		"snapsync_lmdb_entries",
		"Number of stored pairs",
		[]string{"path"}, nil,
	)
	pagesDesc = prometheus.NewDesc(
		"snapsync_lmdb_pages",
		"Number of pages per page type (branch, leaf and overflow)",
		[]string{"path", "pagetype"}, nil,
	)
	depthDesc = prometheus.NewDesc(
		"snapsync_lmdb_depth",
		"B-tree depth",
		[]string{"path"}, nil,
	)
)
