// Package monitor samples the resident memory of the process against the
// configured ceiling. Exceeding it is advisory: a warning is logged and
// the runtime is asked to return memory, but nothing is throttled.
package monitor

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/DeusData/odoo-graph/internal/metrics"
)

// Sample is one reading.
type Sample struct {
	RSS     uint64 // bytes
	Total   uint64 // bytes
	Percent float64
}

// SampleFunc reads the current memory usage.
type SampleFunc func() (Sample, error)

// Monitor compares samples with a percentage ceiling.
type Monitor struct {
	limit  float64
	sample SampleFunc

	mu       sync.Mutex
	disabled bool
	warnings int
	peak     float64
}

// New returns a Monitor reading /proc. Where procfs is unavailable the
// monitor disables itself on the first check.
func New(limit float64) *Monitor {
	return WithSampler(limit, procSample)
}

// WithSampler returns a Monitor over a custom sampler.
func WithSampler(limit float64, fn SampleFunc) *Monitor {
	return &Monitor{limit: limit, sample: fn}
}

func procSample() (Sample, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Sample{}, err
	}
	self, err := fs.Self()
	if err != nil {
		return Sample{}, err
	}
	stat, err := self.Stat()
	if err != nil {
		return Sample{}, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return Sample{}, err
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return Sample{}, errors.New("meminfo without MemTotal")
	}
	s := Sample{RSS: uint64(stat.ResidentMemory()), Total: *mi.MemTotal * 1024}
	s.Percent = float64(s.RSS) / float64(s.Total) * 100
	return s, nil
}

// Check takes a sample and reports whether it exceeds the ceiling.
func (m *Monitor) Check(phase string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return Sample{}, false
	}
	s, err := m.sample()
	if err != nil {
		m.disabled = true
		slog.Debug("monitor.disabled", "err", err)
		return Sample{}, false
	}
	metrics.SetMemoryPercent(s.Percent)
	m.peak = max(m.peak, s.Percent)
	if s.Percent <= m.limit {
		return s, false
	}
	m.warnings++
	slog.Warn("monitor.memory.high", "phase", phase, "percent", s.Percent, "limit", m.limit,
		"rss_mb", s.RSS>>20, "total_mb", s.Total>>20)
	debug.FreeOSMemory()
	return s, true
}

// Warnings counts checks that exceeded the ceiling.
func (m *Monitor) Warnings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnings
}

// Peak is the highest percentage sampled.
func (m *Monitor) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
