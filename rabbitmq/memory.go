package rabbitmq

import (
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/prometheus/procfs"
)

// ProcessMemory returns the bytes of memory the Go runtime holds from the OS.
func ProcessMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// SystemMemory is a snapshot of /proc/meminfo in bytes.
type SystemMemory struct {
	Total     uint64
	Free      uint64
	Available uint64
}

// ReadSystemMemory reads /proc/meminfo. It fails on platforms without procfs.
func ReadSystemMemory() (SystemMemory, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return SystemMemory{}, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return SystemMemory{}, err
	}
	if info.MemTotal == nil || info.MemFree == nil {
		return SystemMemory{}, fmt.Errorf("meminfo: MemTotal or MemFree missing")
	}

	mem := SystemMemory{
		Total: *info.MemTotal * 1024,
		Free:  *info.MemFree * 1024,
	}
	if info.MemAvailable != nil {
		mem.Available = *info.MemAvailable * 1024
	}
	return mem, nil
}

func (m SystemMemory) String() string {
	s := fmt.Sprintf("MemTotal: %s, MemFree: %s", units.BytesSize(float64(m.Total)), units.BytesSize(float64(m.Free)))
	if m.Available > 0 {
		s += ", MemAvailable: " + units.BytesSize(float64(m.Available))
	}
	return s
}

// formatMemory renders either process usage or, when system is set and procfs
// is readable, the system snapshot.
func formatMemory(system bool, process func() uint64) string {
	if system {
		if mem, err := ReadSystemMemory(); err == nil {
			return mem.String()
		}
	}
	return "Memory usage: " + units.BytesSize(float64(process()))
}
