// Package cycle implements a drift free, interruptible cyclic sleep.
//
// Each Sleep advances an absolute deadline by the cycle time, so time
// spent working between sleeps is taken out of the next sleep instead
// of accumulating:
//
//	c := cycle.New(cycle.Real(), trap.C(), signals.Record)
//	for c.Sleep(interval) {
//		// work
//	}
//
// An interrupted sleep keeps its deadline, Resume completes it.
package cycle

import (
	"os"
	"time"
)

// Clock is the time source of a Cycle.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package. Its readings carry
// the monotonic clock, so wall clock jumps do not affect the rhythm.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Cycle struct {
	clock     Clock
	deadline  time.Time
	interrupt <-chan os.Signal
	handle    func(os.Signal)
}

// New starts a cycle at the current time. A signal arriving on interrupt
// ends the current sleep early and is passed to handle. A nil interrupt
// channel never interrupts.
func New(clock Clock, interrupt <-chan os.Signal, handle func(os.Signal)) *Cycle {
	return &Cycle{
		clock:     clock,
		deadline:  clock.Now(),
		interrupt: interrupt,
		handle:    handle,
	}
}

// Sleep advances the deadline by interval and sleeps until it is reached.
// It returns false if the sleep was interrupted.
func (c *Cycle) Sleep(interval time.Duration) bool {
	c.deadline = c.deadline.Add(interval)
	return c.Resume()
}

// Resume sleeps until the current deadline without advancing it. It
// returns immediately if the deadline already passed. A pending signal
// interrupts even then.
func (c *Cycle) Resume() bool {
	select {
	case sig := <-c.interrupt:
		c.interrupted(sig)
		return false
	default:
	}
	remaining := c.deadline.Sub(c.clock.Now())
	if remaining <= 0 {
		return true
	}
	select {
	case <-c.clock.After(remaining):
		return true
	case sig := <-c.interrupt:
		c.interrupted(sig)
		return false
	}
}

func (c *Cycle) interrupted(sig os.Signal) {
	if c.handle != nil {
		c.handle(sig)
	}
}

// Deadline returns the wakeup time of the current cycle.
func (c *Cycle) Deadline() time.Time { return c.deadline }
