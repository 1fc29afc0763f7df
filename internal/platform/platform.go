// Package platform is the capability surface for child process control:
// spawn isolation, liveness probing, best-effort termination and post-spawn
// containment. Each operation has a Unix and a Windows implementation selected
// at build time; call sites never branch on the OS themselves.
//
// Liveness and termination never return errors. They are cleanup primitives
// whose failure must degrade to "treat as not alive" or "give up terminating"
// instead of blocking the main control flow.
package platform

import "os"

// CurrentPID returns the calling process id.
func CurrentPID() int { return os.Getpid() }

// Resources holds containment handles attached to a spawned child. Releasing
// them is what guarantees descendant teardown on the platforms that need it;
// on the others Release is a no-op.
type Resources struct {
	release func()
}

// Release frees the containment handles. Safe to call more than once and on a
// nil receiver.
func (r *Resources) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.release()
	r.release = nil
}
