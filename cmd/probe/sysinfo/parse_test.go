package sysinfo

import (
	"math"
	"testing"
)

func TestParseLoadAvg(t *testing.T) {
	load, ok := parseLoadAvg("0.52 0.58 0.59 1/257 12345\n")
	if !ok {
		t.Fatal("parseLoadAvg failed")
	}
	if load.Load1 != 0.52 || load.Load5 != 0.58 || load.Load15 != 0.59 {
		t.Errorf("load = %+v", load)
	}

	if _, ok := parseLoadAvg("garbage"); ok {
		t.Error("garbage accepted")
	}
}

const memInfo = `MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    8192000 kB
Buffers:          512000 kB
`

func TestParseMemInfo(t *testing.T) {
	m := parseMemInfo(memInfo)
	if m.TotalKB != 16384000 || m.AvailableKB != 8192000 {
		t.Errorf("mem = %+v", m)
	}
	if math.Abs(m.UsedPct-50.0) > 0.01 {
		t.Errorf("used_pct = %f, want 50", m.UsedPct)
	}
}

func TestParseUptime(t *testing.T) {
	up, ok := parseUptime("351735.47 6929029.28\n")
	if !ok || up.Seconds != 351735.47 {
		t.Errorf("uptime = (%+v, %v)", up, ok)
	}
}

const netDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000000    9999    0    0    0     0          0         0  1000000    9999    0    0    0     0       0          0
  eth0: 5000000   40000    0    0    0     0          0         0  3000000   30000    0    0    0     0       0          0
 wlan0: 2000000   10000    0    0    0     0          0         0  1500000    8000    0    0    0     0       0          0
`

func TestParseNetDevSkipsLoopback(t *testing.T) {
	m := parseNetDev(netDev)
	if m.RxBytes != 7000000 {
		t.Errorf("rx = %d, want 7000000", m.RxBytes)
	}
	if m.TxBytes != 4500000 {
		t.Errorf("tx = %d, want 4500000", m.TxBytes)
	}
}

const osRelease = `NAME="Debian GNU/Linux"
VERSION_ID="13"
VERSION="13 (trixie)"
ID=debian
`

func TestParseOSRelease(t *testing.T) {
	distro, version := parseOSRelease(osRelease)
	if distro != "Debian GNU/Linux" || version != "13" {
		t.Errorf("os-release = (%q, %q)", distro, version)
	}
}

const cpuInfo = `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
processor	: 1
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
`

func TestParseCPUModel(t *testing.T) {
	model := parseCPUModel(cpuInfo)
	if model != "Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz" {
		t.Errorf("model = %q", model)
	}
}

func TestParseGPUList(t *testing.T) {
	out := "NVIDIA GeForce RTX 3080, 10240, 1234, 17\nNVIDIA T400, 2048, 100, 2\n"
	gpus := parseGPUList(out)
	if len(gpus) != 2 {
		t.Fatalf("got %d GPUs, want 2", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 3080" || gpus[0].MemoryTotalMB != 10240 {
		t.Errorf("gpu[0] = %+v", gpus[0])
	}
	if gpus[1].UtilizationPct != 2 {
		t.Errorf("gpu[1] = %+v", gpus[1])
	}

	if got := parseGPUList(""); len(got) != 0 {
		t.Errorf("empty output produced %d GPUs", len(got))
	}
}
