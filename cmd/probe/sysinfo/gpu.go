package sysinfo

import (
	"os/exec"
	"strconv"
	"strings"
)

// GPUInfo describes one GPU as reported by nvidia-smi. Hosts without
// the tool simply report no GPUs.
type GPUInfo struct {
	Name           string  `json:"name"`
	MemoryTotalMB  int64   `json:"memory_total_mb"`
	MemoryUsedMB   int64   `json:"memory_used_mb"`
	UtilizationPct float64 `json:"utilization_pct"`
}

const gpuQuery = "--query-gpu=name,memory.total,memory.used,utilization.gpu"

// CollectGPU queries nvidia-smi for installed GPUs. Returns an empty
// slice when the tool is missing or fails.
func CollectGPU() []GPUInfo {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return []GPUInfo{}
	}
	out, err := exec.Command("nvidia-smi", gpuQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return []GPUInfo{}
	}
	return parseGPUList(string(out))
}

// parseGPUList parses nvidia-smi CSV output, one GPU per line:
// "NVIDIA GeForce RTX 3080, 10240, 1234, 17"
func parseGPUList(output string) []GPUInfo {
	gpus := []GPUInfo{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		gpu := GPUInfo{Name: strings.TrimSpace(fields[0])}
		if gpu.Name == "" {
			continue
		}
		gpu.MemoryTotalMB, _ = strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		gpu.MemoryUsedMB, _ = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		gpu.UtilizationPct, _ = strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		gpus = append(gpus, gpu)
	}
	return gpus
}
