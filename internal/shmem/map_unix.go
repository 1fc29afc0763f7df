//go:build !windows

package shmem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

// mapShared maps the named object, creating the backing file when absent. The
// file lives in tmpfs on Linux, so it behaves like a POSIX shm object; on
// other Unixes a temp-dir file gives the same cross-process mapping. The file
// is never unlinked here: a later, unrelated process must still be able to
// attach after the creator exits.
func mapShared(namespace string, size int) (data []byte, unmap func() error, created bool, err error) {
	path := filepath.Join(sharedDir(), namespace)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			created = true
		} else if errors.Is(err, fs.ErrExist) {
			// Lost the create race; the winner initializes the header.
			f, err = os.OpenFile(path, os.O_RDWR, 0)
		}
	}
	if err != nil {
		return nil, nil, false, err
	}
	defer func() { _ = f.Close() }()

	// The mapping faults on access past EOF, so the file must span the region
	// even when an earlier run left it short.
	if st, serr := f.Stat(); serr != nil {
		return nil, nil, false, serr
	} else if st.Size() < int64(size) {
		if terr := f.Truncate(int64(size)); terr != nil {
			return nil, nil, false, terr
		}
	}

	data, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, false, err
	}
	return data, func() error { return unix.Munmap(data) }, created, nil
}

// BackingPath returns the filesystem path behind namespace, for diagnostics
// and tests. The mapping on Windows has no path; there this returns "".
func BackingPath(namespace string) string {
	return filepath.Join(sharedDir(), namespace)
}

func sharedDir() string {
	if runtime.GOOS == "linux" {
		if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
			return "/dev/shm"
		}
	}
	return os.TempDir()
}
