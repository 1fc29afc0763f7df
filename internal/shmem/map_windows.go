//go:build windows

package shmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// BackingPath returns "" on Windows; pagefile-backed sections have no path.
func BackingPath(string) string { return "" }

// mapShared opens or creates a named pagefile-backed section. CreateFileMapping
// reports ERROR_ALREADY_EXISTS alongside a valid handle when another process
// won the create race, which is exactly the attach case.
func mapShared(namespace string, size int) (data []byte, unmap func() error, created bool, err error) {
	name, err := windows.UTF16PtrFromString(`Local\` + namespace)
	if err != nil {
		return nil, nil, false, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_READWRITE, 0, uint32(size), name)
	if h == 0 {
		return nil, nil, false, err
	}
	created = err == nil
	if err == windows.ERROR_ALREADY_EXISTS {
		err = nil
	}
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, nil, false, err
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, nil, false, err
	}
	data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	unmap = func() error {
		uerr := windows.UnmapViewOfFile(addr)
		if cerr := windows.CloseHandle(h); uerr == nil {
			uerr = cerr
		}
		return uerr
	}
	return data, unmap, created, nil
}
