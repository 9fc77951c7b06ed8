// Package daemon runs the governor from pidfile lock to shutdown.
package daemon

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog/log"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/cycle"
	"blackdark/powerd/internal/exitcode"
	"blackdark/powerd/internal/governor"
	"blackdark/powerd/internal/pidfile"
	"blackdark/powerd/internal/signals"
	"blackdark/powerd/internal/sysctl"
)

// DetachedEnv marks the detached child. It inherits the locked pidfile as
// file descriptor pidFd.
const (
	DetachedEnv = "POWERD_DETACHED"
	pidFd       = 3
)

// Detached reports whether the process is the detached child.
func Detached() bool {
	_, ok := os.LookupEnv(DetachedEnv)
	return ok
}

// Env holds the collaborators of Run. Zero fields select the process
// defaults.
type Env struct {
	Backend   sysctl.Backend    // sysctl.Native()
	Out       io.Writer         // os.Stdout
	Observer  governor.Observer // none
	Interrupt <-chan os.Signal  // trapped SIGINT, SIGTERM, SIGHUP
	Clock     cycle.Clock       // cycle.Real()
	Detach    func(pid *pidfile.File) error
}

// Run locks the pidfile, takes control of the clock frequencies and runs
// the governor cycle until a termination signal is caught. Unless running
// in foreground it detaches first, the calling process returns nil once
// the child started.
func Run(opts config.Options, env Env) error {
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.Clock == nil {
		env.Clock = cycle.Real()
	}
	if env.Detach == nil {
		env.Detach = detach
	}
	detached := Detached()

	pid, err := lock(opts.PidFile, detached)
	if err != nil {
		return err
	}
	handedOver := false
	defer func() {
		if handedOver {
			pid.Close()
			return
		}
		if err := pid.Remove(); err != nil {
			log.Warn().Err(err).Str("pidfile", pid.Path()).Msg("cannot remove pidfile")
		}
	}()

	backend := env.Backend
	if backend == nil {
		if backend, err = sysctl.Native(); err != nil {
			return exitcode.Wrap(exitcode.ESYSCTL, err)
		}
	}
	closer, _ := backend.(io.Closer)
	defer release(closer)

	ctl, err := governor.New(backend, opts, env.Out)
	if err != nil {
		return err
	}
	if env.Observer != nil {
		ctl.Observe(env.Observer)
	}

	if err := ctl.Probe(); err != nil {
		return err
	}
	defer func() {
		if handedOver {
			return
		}
		if err := ctl.Restore(); err != nil {
			log.Warn().Err(err).Msg("clock frequencies not fully restored")
		}
	}()

	if !opts.Foreground && !detached {
		// The child probes the clocks again, the backend must hand back
		// what this process changed before the child starts.
		release(closer)
		if err := env.Detach(pid); err != nil {
			return exitcode.Wrap(exitcode.EDAEMON, err)
		}
		handedOver = true
		return nil
	}

	if err := pid.Write(); err != nil {
		return exitcode.Wrap(exitcode.EPID, err)
	}

	interrupt := env.Interrupt
	if interrupt == nil {
		trap := signals.Install(!opts.Foreground)
		defer trap.Stop()
		interrupt = trap.C()
	} else {
		signals.Reset()
	}

	log.Info().Int("groups", len(ctl.Groups())).Bool("throttling", ctl.Throttling()).
		Dur("interval", opts.Interval).Msg("governor running")

	c := cycle.New(env.Clock, interrupt, signals.Record)
	for {
		woke := c.Sleep(opts.Interval)
		for !woke && signals.Caught() == 0 {
			woke = c.Resume()
		}
		if sig := signals.Caught(); sig != 0 {
			log.Info().Stringer("signal", sig).Msg("shutting down")
			return nil
		}
		if err := ctl.Update(); err != nil {
			return err
		}
	}
}

// release closes the backend. Closing twice is harmless.
func release(closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Msg("cannot release the sysctl backend")
	}
}

// lock acquires the pidfile. The detached child adopts the one locked by
// its parent.
func lock(path string, detached bool) (*pidfile.File, error) {
	var (
		pid *pidfile.File
		err error
	)
	if detached {
		pid, err = pidfile.Adopt(pidFd, path)
	} else {
		pid, err = pidfile.Open(path)
	}
	var conflict *pidfile.ConflictError
	switch {
	case errors.As(err, &conflict):
		return nil, exitcode.Errorf(exitcode.ECONFLICT, "a power daemon is already running under pid %d: %w", conflict.Pid, err)
	case err != nil:
		return nil, exitcode.Errorf(exitcode.EPID, "cannot create pidfile: %w", err)
	}
	log.Debug().Str("pidfile", path).Msg("pidfile locked")
	return pid, nil
}

// detach starts this executable again as a session leader with the locked
// pidfile on descriptor 3 and no terminal.
func detach(pid *pidfile.File) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer null.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), DetachedEnv+"=1")
	cmd.Dir = "/"
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	cmd.ExtraFiles = []*os.File{pid.File()}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("detached")
	return cmd.Process.Release()
}
