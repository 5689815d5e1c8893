// Package platform provides container-aware CPU sampling and an
// admission gate for the daemon's external input paths (NATS input
// bridge, Kafka payload feed).
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// ThrottleStats holds cgroup CPU throttling counters.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// containerCPU samples cumulative CPU usage from cgroup v1/v2 accounting
// files and normalizes it to the container's CPU quota.
type containerCPU struct {
	mu             sync.Mutex
	lastUsec       uint64
	lastSampleTime time.Time
	cgroupPath     string
	cgroupVersion  int
	cpusAllocated  float64
	lastThrottle   ThrottleStats
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup: %w", err)
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}
	cc := &containerCPU{cgroupPath: path, cgroupVersion: version, lastSampleTime: time.Now()}
	if quota > 0 && period > 0 {
		cc.cpusAllocated = float64(quota) / float64(period)
	} else {
		cc.cpusAllocated = float64(runtime.NumCPU())
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}
	cc.lastUsec = usage
	if throttle, err := readThrottleStats(path, version); err == nil {
		cc.lastThrottle = throttle
	}
	return cc, nil
}

func (cc *containerCPU) percent() (float64, ThrottleStats, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("sample interval too small")
	}

	usage, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	delta := usage - cc.lastUsec
	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	percent := raw / cc.cpusAllocated

	var throttled ThrottleStats
	if cur, err := readThrottleStats(cc.cgroupPath, cc.cgroupVersion); err == nil {
		throttled = ThrottleStats{
			NrPeriods:    cur.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  cur.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: cur.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = cur
	}

	cc.lastUsec = usage
	cc.lastSampleTime = now
	return percent, throttled, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %s", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}
	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}
	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return nsec / 1000, err
}

func readThrottleStats(path string, _ int) (ThrottleStats, error) {
	var stats ThrottleStats
	f, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec":
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time":
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}

// CPUMonitor samples CPU usage, preferring container-aware cgroup
// accounting and falling back to host-wide gopsutil sampling when no
// cgroup can be detected (bare metal, dev machines).
type CPUMonitor struct {
	mode      string
	container *containerCPU
}

// NewCPUMonitor detects the run environment and returns a monitor for it.
func NewCPUMonitor() *CPUMonitor {
	if cc, err := newContainerCPU(); err == nil {
		return &CPUMonitor{mode: "container", container: cc}
	}
	return &CPUMonitor{mode: "host"}
}

// Percent returns CPU usage as a percentage of the allocated quota (or of
// total host CPUs in host mode), plus container throttling stats observed
// since the previous call.
func (m *CPUMonitor) Percent() (float64, ThrottleStats, error) {
	if m.mode == "container" {
		return m.container.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(pcts) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("no CPU data")
	}
	return pcts[0], ThrottleStats{}, nil
}

// Mode reports "container" or "host".
func (m *CPUMonitor) Mode() string { return m.mode }
