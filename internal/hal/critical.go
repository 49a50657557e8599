package hal

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// busyWait spins on the monotonic clock until d has elapsed. It never parks
// the goroutine, so the scheduler gets no chance to move it mid-symbol.
func busyWait(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// hostCriticalSection is the closest a hosted process gets to masking
// interrupts: the goroutine is pinned to its OS thread and the garbage
// collector is suspended until restore runs.
func hostCriticalSection() (restore func()) {
	runtime.LockOSThread()
	gcPercent := debug.SetGCPercent(-1)

	var once sync.Once
	return func() {
		once.Do(func() {
			debug.SetGCPercent(gcPercent)
			runtime.UnlockOSThread()
		})
	}
}
