package batch

import (
	"context"
	"log"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Snapshot is one reading of the host's capacity to absorb batch work.
type Snapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemFreeGB  float64 `json:"mem_free_gb"`
	DiskIOWait float64 `json:"disk_io_wait"`
}

// Prober reads system load. Injected so sizing is testable and so a probe
// failure never blocks admission.
type Prober interface {
	Probe(ctx context.Context) Snapshot
}

// conservativeSnapshot is assumed when the probe fails: busy enough to size
// down, not so busy that jobs are refused.
var conservativeSnapshot = Snapshot{CPUPercent: 75, MemFreeGB: 2, DiskIOWait: 10}

// SystemProber reads live load via gopsutil.
type SystemProber struct {
	logger *log.Logger
}

// NewSystemProber builds the default prober.
func NewSystemProber() *SystemProber {
	return &SystemProber{logger: log.New(log.Writer(), "[Batch] ", log.LstdFlags)}
}

// Probe samples CPU and memory. Any read failure degrades to the
// conservative defaults.
func (p *SystemProber) Probe(_ context.Context) Snapshot {
	snap := conservativeSnapshot

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else {
		p.logger.Printf("⚠️ cpu probe unavailable, assuming %.0f%%: %v", snap.CPUPercent, err)
		return conservativeSnapshot
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemFreeGB = float64(vm.Available) / (1 << 30)
	} else {
		p.logger.Printf("⚠️ memory probe unavailable, assuming %.0f GB free: %v", snap.MemFreeGB, err)
		return conservativeSnapshot
	}

	snap.DiskIOWait = 0
	return snap
}

// StaticProber returns a fixed snapshot. Used in tests and in deployments
// that pin their own sizing.
type StaticProber struct {
	Reading Snapshot
}

func (p StaticProber) Probe(context.Context) Snapshot { return p.Reading }
