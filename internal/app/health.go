package app

import (
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// logSelfHealth samples process and system resource usage and logs it at
// debug level, a low-cost operational signal an operator can grep for
// without running a separate metrics stack.
func logSelfHealth(log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("self-health sample panicked", zap.Any("recover", r))
		}
	}()

	fields := []zap.Field{}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields = append(fields, zap.Float64("system_cpu_pct", pct[0]))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Uint64("system_mem_used_mb", vm.Used/1024/1024))
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuPct, err := p.CPUPercent(); err == nil {
			fields = append(fields, zap.Float64("proc_cpu_pct", cpuPct))
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			fields = append(fields, zap.Uint64("proc_mem_rss_mb", mi.RSS/1024/1024))
		}
	}

	log.Debug("self-health", fields...)
}
