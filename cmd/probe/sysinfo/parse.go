package sysinfo

import (
	"strconv"
	"strings"
)

// LoadMetric is the CPU load snapshot from /proc/loadavg.
type LoadMetric struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// MemMetric is the memory snapshot from /proc/meminfo.
type MemMetric struct {
	TotalKB     int64   `json:"total_kb"`
	AvailableKB int64   `json:"available_kb"`
	UsedPct     float64 `json:"used_pct"`
}

// UptimeMetric is the host uptime from /proc/uptime.
type UptimeMetric struct {
	Seconds float64 `json:"seconds"`
}

// NetMetric aggregates traffic counters across physical interfaces.
type NetMetric struct {
	RxBytes int64 `json:"rx_bytes"`
	TxBytes int64 `json:"tx_bytes"`
}

func parseLoadAvg(content string) (LoadMetric, bool) {
	fields := strings.Fields(content)
	if len(fields) < 3 {
		return LoadMetric{}, false
	}
	l1, err1 := strconv.ParseFloat(fields[0], 64)
	l5, err2 := strconv.ParseFloat(fields[1], 64)
	l15, err3 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return LoadMetric{}, false
	}
	return LoadMetric{Load1: l1, Load5: l5, Load15: l15}, true
}

func parseMemInfo(content string) MemMetric {
	var m MemMetric
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			m.TotalKB = value
		case "MemAvailable:":
			m.AvailableKB = value
		}
	}
	if m.TotalKB > 0 {
		m.UsedPct = float64(m.TotalKB-m.AvailableKB) / float64(m.TotalKB) * 100
	}
	return m
}

func parseUptime(content string) (UptimeMetric, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return UptimeMetric{}, false
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return UptimeMetric{}, false
	}
	return UptimeMetric{Seconds: seconds}, true
}

// parseNetDev sums counters from /proc/net/dev, skipping loopback.
func parseNetDev(content string) NetMetric {
	var m NetMetric
	for _, line := range strings.Split(content, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseInt(fields[0], 10, 64)
		tx, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		m.RxBytes += rx
		m.TxBytes += tx
	}
	return m
}

// parseOSRelease extracts NAME and VERSION_ID from /etc/os-release.
func parseOSRelease(content string) (distro, version string) {
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "NAME":
			distro = value
		case "VERSION_ID":
			version = value
		}
	}
	return distro, version
}

// parseCPUModel returns the first "model name" entry from /proc/cpuinfo.
func parseCPUModel(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if _, value, found := strings.Cut(line, ":"); found {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func trimLine(s string) string {
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}
