//go:build !windows

package signalrelay

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func withFakeTerminate(t *testing.T, fn func(pid int)) {
	t.Helper()
	prev := terminateFn.Load()
	terminateFn.Store(&fn)
	t.Cleanup(func() { terminateFn.Store(prev) })
}

func TestInstallSetsAndReleaseClearsTarget(t *testing.T) {
	withFakeTerminate(t, func(int) {})

	g := Install(12345)
	if got := target.Load(); got != 12345 {
		t.Fatalf("target = %d, want 12345", got)
	}
	g.Release()
	if got := target.Load(); got != 0 {
		t.Fatalf("target after release = %d, want 0", got)
	}
	g.Release() // idempotent
}

func TestRepeatedInstallSwapsTarget(t *testing.T) {
	withFakeTerminate(t, func(int) {})

	g1 := Install(100)
	g2 := Install(200)
	if got := target.Load(); got != 200 {
		t.Fatalf("target = %d, want 200", got)
	}
	g2.Release()
	g1.Release()
}

func TestSignalForwardsToCurrentTarget(t *testing.T) {
	var killed atomic.Int64
	withFakeTerminate(t, func(pid int) { killed.Store(int64(pid)) })

	g := Install(777)
	defer g.Release()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("self-signal: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for killed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("signal was not relayed to the target")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if killed.Load() != 777 {
		t.Fatalf("relayed to pid %d, want 777", killed.Load())
	}
}

func TestSignalWithNoTargetIsDropped(t *testing.T) {
	var calls atomic.Int64
	withFakeTerminate(t, func(int) { calls.Add(1) })

	g := Install(1)
	g.Release()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("self-signal: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("terminate called %d times for a cleared target", calls.Load())
	}
}
