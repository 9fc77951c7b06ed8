// Package sysctltest provides an in-memory sysctl.Backend for tests.
package sysctltest

import (
	"encoding/binary"
	"sync"
	"syscall"

	"blackdark/powerd/internal/sysctl"
)

// Backend holds tunables by name. The zero value is not usable, call New.
type Backend struct {
	mu       sync.Mutex
	names    map[string]int32
	values   [][]byte
	failGet  map[string]syscall.Errno
	failSet  map[string]syscall.Errno
	writes   map[string]int
	readOnly map[string]bool
}

func New() *Backend {
	return &Backend{
		names:    map[string]int32{},
		failGet:  map[string]syscall.Errno{},
		failSet:  map[string]syscall.Errno{},
		writes:   map[string]int{},
		readOnly: map[string]bool{},
	}
}

func (b *Backend) set(name string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.names[name]; ok {
		b.values[i] = value
		return
	}
	b.names[name] = int32(len(b.values))
	b.values = append(b.values, value)
}

// SetInt stores a 32 bit integer tunable.
func (b *Backend) SetInt(name string, v int32) { b.set(name, sysctl.Encode(v)) }

// SetLongs stores a C long array tunable.
func (b *Backend) SetLongs(name string, values []uint64) { b.set(name, sysctl.EncodeLongs(values)) }

// SetString stores a NUL terminated string tunable.
func (b *Backend) SetString(name, v string) { b.set(name, append([]byte(v), 0)) }

// Remove makes name absent. Handles resolved earlier fail with ENOENT.
func (b *Backend) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.names[name]; ok {
		b.values[i] = nil
		delete(b.names, name)
	}
}

// ReadOnly makes writes to name fail with EPERM.
func (b *Backend) ReadOnly(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly[name] = true
}

// FailGet makes reads of name fail with errno, 0 clears the failure.
func (b *Backend) FailGet(name string, errno syscall.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errno == 0 {
		delete(b.failGet, name)
		return
	}
	b.failGet[name] = errno
}

// FailSet makes writes to name fail with errno, 0 clears the failure.
func (b *Backend) FailSet(name string, errno syscall.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errno == 0 {
		delete(b.failSet, name)
		return
	}
	b.failSet[name] = errno
}

// Int returns the current value of a 32 bit integer tunable.
func (b *Backend) Int(name string) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.names[name]
	if !ok || len(b.values[i]) != 4 {
		return 0, false
	}
	return int32(binary.NativeEndian.Uint32(b.values[i])), true
}

// Writes returns how many successful writes name received.
func (b *Backend) Writes(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[name]
}

func (b *Backend) nameOf(mib sysctl.MIB) (string, int32, bool) {
	if len(mib) != 1 {
		return "", 0, false
	}
	for name, i := range b.names {
		if i == mib[0] {
			return name, i, true
		}
	}
	return "", 0, false
}

func (b *Backend) NameToMIB(name string) (sysctl.MIB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.names[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	return sysctl.MIB{i}, nil
}

func (b *Backend) Get(mib sysctl.MIB, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, i, ok := b.nameOf(mib)
	if !ok {
		return 0, syscall.ENOENT
	}
	if errno, ok := b.failGet[name]; ok {
		return 0, errno
	}
	return sysctl.CopyOut(buf, b.values[i])
}

func (b *Backend) Set(mib sysctl.MIB, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, i, ok := b.nameOf(mib)
	if !ok {
		return syscall.ENOENT
	}
	if errno, ok := b.failSet[name]; ok {
		return errno
	}
	if b.readOnly[name] {
		return syscall.EPERM
	}
	if len(value) != len(b.values[i]) {
		return syscall.EINVAL
	}
	b.values[i] = append([]byte(nil), value...)
	b.writes[name]++
	return nil
}
