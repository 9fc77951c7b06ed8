// Package signals traps the termination signals of the daemon and keeps
// the process wide record of the last one caught.
package signals

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var caught atomic.Int32

// Record notes sig as the caught signal.
func Record(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		caught.Store(int32(s))
	}
}

// Reset clears the caught signal.
func Reset() { caught.Store(0) }

// Caught returns the last recorded signal, 0 if none was recorded.
func Caught() syscall.Signal {
	return syscall.Signal(caught.Load())
}

// Trap delivers SIGINT and SIGTERM, and SIGHUP unless detached, on C.
type Trap struct {
	c        chan os.Signal
	detached bool
}

// Install clears the caught signal and starts trapping. A detached daemon
// has no terminal to hang up, SIGHUP is ignored.
func Install(detached bool) *Trap {
	Reset()
	t := &Trap{c: make(chan os.Signal, 4), detached: detached}
	if detached {
		signal.Ignore(syscall.SIGHUP)
		signal.Notify(t.c, syscall.SIGINT, syscall.SIGTERM)
	} else {
		signal.Notify(t.c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	}
	return t
}

func (t *Trap) C() <-chan os.Signal { return t.c }

// Stop restores the default signal dispositions.
func (t *Trap) Stop() {
	signal.Stop(t.c)
	if t.detached {
		signal.Reset(syscall.SIGHUP)
	}
}
