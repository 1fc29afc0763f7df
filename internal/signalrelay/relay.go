// Package signalrelay forwards termination signals aimed at the supervisor to
// the child it currently supervises. The relay owns one process-wide slot: the
// current target pid. The forwarding path is an atomic load plus a terminate
// call; it takes no locks and allocates nothing.
package signalrelay

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/loykin/warden/internal/platform"
)

var (
	target      atomic.Int64
	installOnce sync.Once

	// terminateFn is swapped in tests; the relay must not kill test processes.
	terminateFn atomic.Pointer[func(pid int)]
)

func init() {
	fn := platform.Terminate
	terminateFn.Store(&fn)
}

// Guard clears the relay target when released. Releasing promptly after the
// child exits matters: a signal arriving later must not be forwarded to a pid
// the OS may already have recycled.
type Guard struct{}

// Release clears the target. Idempotent.
func (Guard) Release() { target.Store(0) }

// Install names pid the termination target and returns the guard that clears
// it. Handler installation happens once per process lifetime; repeated calls
// only swap the target. Interrupt covers console ctrl events on Windows.
func Install(pid int) Guard {
	installOnce.Do(func() {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			for range ch {
				if p := target.Load(); p != 0 {
					(*terminateFn.Load())(int(p))
				}
			}
		}()
	})
	target.Store(int64(pid))
	return Guard{}
}
