// Package sysinfo collects what the probe knows about its host: static
// OS and hardware facts sent at registration, and the rolling metrics
// attached to every heartbeat. Everything comes from /proc and
// /etc/os-release, so it works on any Linux without helper binaries.
package sysinfo

import (
	"encoding/json"
	"os"
	"runtime"
	"syscall"
)

// OSInfo is the static operating system description.
type OSInfo struct {
	Hostname string `json:"hostname"`
	Distro   string `json:"distro,omitempty"`
	Version  string `json:"version,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	Arch     string `json:"arch"`
}

// HardwareInfo is the static hardware description.
type HardwareInfo struct {
	CPUModel      string `json:"cpu_model,omitempty"`
	CPUCount      int    `json:"cpu_count"`
	MemoryTotalKB int64  `json:"memory_total_kb"`
}

// CollectOS gathers the OS description.
func CollectOS() OSInfo {
	info := OSInfo{Arch: runtime.GOARCH}
	info.Hostname, _ = os.Hostname()

	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		info.Distro, info.Version = parseOSRelease(string(data))
	}
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		info.Kernel = trimLine(string(data))
	}
	return info
}

// CollectHardware gathers the hardware description.
func CollectHardware() HardwareInfo {
	info := HardwareInfo{CPUCount: runtime.NumCPU()}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		info.CPUModel = parseCPUModel(string(data))
	}
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		mem := parseMemInfo(string(data))
		info.MemoryTotalKB = mem.TotalKB
	}
	return info
}

// CollectMetrics gathers one metrics snapshot, keyed by metric type
// the way the control server stores them.
func CollectMetrics() map[string]json.RawMessage {
	metrics := make(map[string]json.RawMessage)

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		if load, ok := parseLoadAvg(string(data)); ok {
			putMetric(metrics, "cpu", load)
		}
	}
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		putMetric(metrics, "memory", parseMemInfo(string(data)))
	}
	if disk, ok := collectDisk("/"); ok {
		putMetric(metrics, "disk", disk)
	}
	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		if up, ok := parseUptime(string(data)); ok {
			putMetric(metrics, "uptime", up)
		}
	}
	if data, err := os.ReadFile("/proc/net/dev"); err == nil {
		putMetric(metrics, "network", parseNetDev(string(data)))
	}
	return metrics
}

// CollectCPU reads the current load averages.
func CollectCPU() LoadMetric {
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		if load, ok := parseLoadAvg(string(data)); ok {
			return load
		}
	}
	return LoadMetric{}
}

// CollectMemory reads the current memory snapshot.
func CollectMemory() MemMetric {
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		return parseMemInfo(string(data))
	}
	return MemMetric{}
}

// CollectDisk reads root filesystem usage.
func CollectDisk() DiskMetric {
	disk, _ := collectDisk("/")
	return disk
}

// CollectNetwork reads aggregate interface counters.
func CollectNetwork() NetMetric {
	if data, err := os.ReadFile("/proc/net/dev"); err == nil {
		return parseNetDev(string(data))
	}
	return NetMetric{}
}

func putMetric(metrics map[string]json.RawMessage, key string, v interface{}) {
	if payload, err := json.Marshal(v); err == nil {
		metrics[key] = payload
	}
}

// DiskMetric describes root filesystem usage.
type DiskMetric struct {
	TotalKB int64   `json:"total_kb"`
	FreeKB  int64   `json:"free_kb"`
	UsedPct float64 `json:"used_pct"`
}

func collectDisk(path string) (DiskMetric, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskMetric{}, false
	}

	blockKB := stat.Bsize / 1024
	if blockKB == 0 {
		blockKB = 1
	}
	total := int64(stat.Blocks) * blockKB
	free := int64(stat.Bavail) * blockKB

	m := DiskMetric{TotalKB: total, FreeKB: free}
	if total > 0 {
		m.UsedPct = float64(total-free) / float64(total) * 100
	}
	return m, true
}
