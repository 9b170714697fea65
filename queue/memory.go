package queue

import (
	"runtime"
	"runtime/debug"
)

// MemoryProbe reports process memory usage in bytes and asks the runtime to
// give memory back.
type MemoryProbe interface {
	Usage() uint64
	Reclaim()
}

type runtimeProbe struct{}

func (runtimeProbe) Usage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys - m.HeapReleased
}

func (runtimeProbe) Reclaim() { debug.FreeOSMemory() }

type memoryGuard struct {
	probe MemoryProbe
	limit uint64
}

type memoryReading struct {
	before    uint64
	after     uint64
	reclaimed bool
}

func newMemoryGuard(probe MemoryProbe, cfg Config) *memoryGuard {
	if probe == nil {
		probe = runtimeProbe{}
	}
	limit := uint64(float64(cfg.MaxMemoryMB) * 1024 * 1024 * cfg.MemoryThreshold)
	return &memoryGuard{probe: probe, limit: limit}
}

// check reclaims memory once usage passes the threshold. It never fails.
func (g *memoryGuard) check() memoryReading {
	r := memoryReading{before: g.probe.Usage()}
	r.after = r.before
	if r.before > g.limit {
		g.probe.Reclaim()
		r.reclaimed = true
		r.after = g.probe.Usage()
	}
	return r
}
