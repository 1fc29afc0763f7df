//go:build !windows

package platform

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestAliveSelf(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("current process reported not alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("non-positive pids must report not alive")
	}
}

func TestAliveAfterExit(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if !Alive(pid) {
		t.Fatalf("freshly started pid %d reported not alive", pid)
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	if Alive(pid) {
		t.Fatalf("reaped pid %d still reported alive", pid)
	}
}

func TestTerminateStopsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	Terminate(pid)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pid %d still running after Terminate", pid)
	}
}

func TestTerminateMissingPidIsNoop(t *testing.T) {
	// Must not panic or block; absence is success.
	Terminate(1 << 22)
}

func TestPrepareCommandIsolatesProcessGroup(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	PrepareCommand(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("getpgid: %v", err)
	}
	if pgid != cmd.Process.Pid {
		t.Fatalf("child pgid = %d, want its own pid %d", pgid, cmd.Process.Pid)
	}
}

func TestStartTimeSelf(t *testing.T) {
	st, ok := StartTime(os.Getpid())
	if !ok {
		t.Skip("start time probe unavailable on this platform")
	}
	if st.After(time.Now().Add(time.Minute)) {
		t.Fatalf("start time %v is in the future", st)
	}
	if _, ok := StartTime(-1); ok {
		t.Fatal("negative pid must not resolve a start time")
	}
}
