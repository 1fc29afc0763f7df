//go:build !windows

package platform

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns when pid started, used to tell a tracked child apart from
// an unrelated process that inherited its recycled pid. ok is false when the
// platform cannot answer; callers must then fall back to liveness alone.
func StartTime(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	var secs int64
	if runtime.GOOS == "linux" {
		secs = procStartUnixLinux(pid)
	} else {
		// Darwin/BSD via gopsutil (sysctl under the hood).
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return time.Time{}, false
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return time.Time{}, false
		}
		secs = ms / 1000
	}
	if secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// procStartUnixLinux reads /proc to compute a stable start time without
// spawning external processes. Returns 0 when unavailable.
func procStartUnixLinux(pid int) int64 {
	// /proc/[pid]/stat field 22 is starttime in clock ticks since boot.
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// ") " terminates the comm field, which can itself contain spaces.
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(strings.TrimSpace(line[end+2:]))
	// parts[0] is field 3 overall, so starttime (field 22) is parts[19].
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}

	btime := bootTime()
	if btime == 0 {
		return 0
	}

	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / clk)
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
