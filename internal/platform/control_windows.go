//go:build windows

package platform

import (
	"os/exec"
	"unsafe"

	"github.com/loykin/warden/internal/logger"
	"golang.org/x/sys/windows"
)

const terminateWaitMs = 5000

// Alive reports whether pid still runs, by opening it with minimal query
// rights and checking its exit-status sentinel.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}

// Terminate force-stops pid and waits briefly for the kernel to finish the
// teardown. A pid that cannot be opened is treated as already gone.
func Terminate(pid int) {
	h, err := windows.OpenProcess(
		windows.PROCESS_TERMINATE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.TerminateProcess(h, 1); err == nil {
		_, _ = windows.WaitForSingleObject(h, terminateWaitMs)
		logger.Debug("terminated child", "pid", pid)
	}
}

// AfterSpawn places the child in a kill-on-close job object so the child and
// all its descendants die when the returned resources are released.
func AfterSpawn(cmd *exec.Cmd) (*Resources, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	_, err = windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err != nil {
		_ = windows.CloseHandle(job)
		return nil, err
	}

	proc, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err != nil {
		_ = windows.CloseHandle(job)
		return nil, err
	}
	defer func() { _ = windows.CloseHandle(proc) }()
	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		_ = windows.CloseHandle(job)
		return nil, err
	}
	return &Resources{release: func() { _ = windows.CloseHandle(job) }}, nil
}

// InitConsole enables virtual terminal processing on stdout and stderr so the
// child's ANSI sequences render. Never fatal.
func InitConsole() {
	for _, kind := range []uint32{windows.STD_OUTPUT_HANDLE, windows.STD_ERROR_HANDLE} {
		h, err := windows.GetStdHandle(kind)
		if err != nil || h == windows.InvalidHandle {
			continue
		}
		var mode uint32
		if windows.GetConsoleMode(h, &mode) != nil {
			continue
		}
		if mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING == 0 {
			_ = windows.SetConsoleMode(h, mode|windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING)
		}
	}
}
