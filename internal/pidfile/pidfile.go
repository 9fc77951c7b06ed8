// Package pidfile implements an exclusive pid lock file in the manner of
// pidfile(3): the file is locked while open, the pid is written once the
// process settled, and a second instance learns the pid of the first.
package pidfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ConflictError reports a pidfile locked by another process.
type ConflictError struct {
	Path string
	Pid  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: locked by pid %d", e.Path, e.Pid)
}

type File struct {
	f    *os.File
	path string
}

// Open creates or opens path and locks it. If another process holds the
// lock a *ConflictError carrying its pid is returned.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &ConflictError{Path: path, Pid: readPid(f)}
		}
		return nil, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	return &File{f: f, path: path}, nil
}

// Adopt takes over a pidfile inherited as file descriptor fd, locked by
// the parent process.
func Adopt(fd uintptr, path string) (*File, error) {
	f := os.NewFile(fd, path)
	if f == nil {
		return nil, fmt.Errorf("%s: invalid file descriptor %d", path, fd)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	return &File{f: f, path: path}, nil
}

func readPid(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	return pid
}

func (p *File) Path() string { return p.path }

// File returns the locked file, to be passed on to a detached child.
func (p *File) File() *os.File { return p.f }

// Write replaces the contents with the pid of the calling process.
func (p *File) Write() error {
	if err := p.f.Truncate(0); err != nil {
		return err
	}
	if _, err := p.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return p.f.Sync()
}

// Remove deletes the file and releases the lock.
func (p *File) Remove() error {
	err := os.Remove(p.path)
	return errors.Join(err, p.f.Close())
}

// Close releases the lock and leaves the file in place.
func (p *File) Close() error {
	return p.f.Close()
}
