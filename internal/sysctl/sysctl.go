// Package sysctl provides typed access to kernel tunables addressed by
// name or by management information base (MIB) address.
//
// The tunable namespace follows FreeBSD: hw.ncpu, kern.cp_times,
// dev.cpu.N.freq and so on. Native() returns the backend for the running
// system; on FreeBSD that is sysctl(3) itself, on Linux the same names
// are emulated on top of procfs and sysfs.
//
// Absent tunables are an ordinary result, not a failure of the caller:
//
//	freq, err := sysctl.Openf(backend, "dev.cpu.%d.freq", core)
//	if sysctl.IsNotExist(err) {
//		// core shares the clock of a previous core
//	}
package sysctl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"syscall"
	"unsafe"
)

// MIB is the numeric address of a tunable.
type MIB []int32

// Backend implements the raw sysctl(3) calling convention.
type Backend interface {
	// NameToMIB resolves a tunable name. Absent tunables fail with
	// ENOENT.
	NameToMIB(name string) (MIB, error)

	// Get copies the value at mib into buf and returns the number of
	// bytes copied. A nil buf returns the size of the value. If buf is
	// too small it is filled and ENOMEM is returned.
	Get(mib MIB, buf []byte) (int, error)

	// Set replaces the value at mib.
	Set(mib MIB, value []byte) error
}

// Error is a failed tunable operation. Errno is the error code of the
// kernel interface, Unwrap exposes it for errors.Is.
type Error struct {
	Op    string
	Name  string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("sysctl %s %s: %v", e.Op, e.Name, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

func wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		errno = syscall.EINVAL
	}
	return &Error{Op: op, Name: name, Errno: errno}
}

// IsNotExist reports whether err means the tunable does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, syscall.ENOENT)
}

// IsPermission reports whether err means the caller may not change the
// tunable.
func IsPermission(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}

// IsTruncated reports whether err means the value did not fit the
// buffer.
func IsTruncated(err error) bool {
	return errors.Is(err, syscall.ENOMEM)
}

// Sysctl is a resolved tunable handle.
type Sysctl struct {
	backend Backend
	name    string
	mib     MIB
}

// Open resolves name.
func Open(b Backend, name string) (Sysctl, error) {
	mib, err := b.NameToMIB(name)
	if err != nil {
		return Sysctl{}, wrap("resolve", name, err)
	}
	return Sysctl{backend: b, name: name, mib: mib}, nil
}

// Openf resolves the name produced by formatting args.
func Openf(b Backend, format string, args ...any) (Sysctl, error) {
	return Open(b, fmt.Sprintf(format, args...))
}

// FromMIB wraps an already known address.
func FromMIB(b Backend, name string, mib MIB) Sysctl {
	return Sysctl{backend: b, name: name, mib: mib}
}

func (s Sysctl) Name() string { return s.name }

func (s Sysctl) MIB() MIB { return s.mib }

// Valid reports whether s refers to a resolved tunable.
func (s Sysctl) Valid() bool { return s.backend != nil }

// Size returns the current size of the value in bytes.
func (s Sysctl) Size() (int, error) {
	n, err := s.backend.Get(s.mib, nil)
	return n, wrap("get", s.name, err)
}

// Read copies the value into buf, see Backend.Get.
func (s Sysctl) Read(buf []byte) (int, error) {
	n, err := s.backend.Get(s.mib, buf)
	return n, wrap("get", s.name, err)
}

// Write replaces the value.
func (s Sysctl) Write(value []byte) error {
	return wrap("set", s.name, s.backend.Set(s.mib, value))
}

// ReadString reads a string tunable without its terminating NUL.
func (s Sysctl) ReadString() (string, error) {
	size, err := s.Size()
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	n, err := s.Read(buf)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:n], "\x00")), nil
}

// Integer is the set of fixed width types tunables are exchanged as.
type Integer interface {
	~int32 | ~uint32 | ~int64 | ~uint64
}

// Encode returns the native binary representation of v.
func Encode[T Integer](v T) []byte {
	buf := make([]byte, unsafe.Sizeof(v))
	switch len(buf) {
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(v))
	default:
		binary.NativeEndian.PutUint64(buf, uint64(v))
	}
	return buf
}

func decode[T Integer](buf []byte) T {
	if len(buf) == 4 {
		return T(binary.NativeEndian.Uint32(buf))
	}
	return T(binary.NativeEndian.Uint64(buf))
}

// Get reads a fixed width integer tunable.
func Get[T Integer](s Sysctl) (T, error) {
	var v T
	var buf [8]byte
	size := int(unsafe.Sizeof(v))
	n, err := s.Read(buf[:size])
	if err != nil {
		return v, err
	}
	if n != size {
		return v, &Error{Op: "get", Name: s.name, Errno: syscall.EINVAL}
	}
	return decode[T](buf[:size]), nil
}

// Set writes a fixed width integer tunable.
func Set[T Integer](s Sysctl, v T) error {
	return s.Write(Encode(v))
}

// Once reads the named tunable a single time and returns fallback if it
// is absent or unreadable.
func Once[T Integer](b Backend, fallback T, name string) T {
	s, err := Open(b, name)
	if err != nil {
		return fallback
	}
	v, err := Get[T](s)
	if err != nil {
		return fallback
	}
	return v
}

// Oncef is Once with a formatted name.
func Oncef[T Integer](b Backend, fallback T, format string, args ...any) T {
	return Once(b, fallback, fmt.Sprintf(format, args...))
}

// Sync is a read/write handle that passes every access through to the
// kernel.
type Sync[T Integer] struct {
	Sysctl
}

func NewSync[T Integer](s Sysctl) Sync[T] {
	return Sync[T]{Sysctl: s}
}

func (s Sync[T]) Get() (T, error) { return Get[T](s.Sysctl) }

func (s Sync[T]) Set(v T) error { return Set(s.Sysctl, v) }

// LongSize is the width of a C long, the element type of kern.cp_times.
const LongSize = bits.UintSize / 8

// EncodeLongs returns the native representation of a C long array.
func EncodeLongs(values []uint64) []byte {
	buf := make([]byte, len(values)*LongSize)
	for i, v := range values {
		putLong(buf[i*LongSize:], v)
	}
	return buf
}

func putLong(buf []byte, v uint64) {
	if LongSize == 4 {
		binary.NativeEndian.PutUint32(buf, uint32(v))
		return
	}
	binary.NativeEndian.PutUint64(buf, v)
}

func getLong(buf []byte) uint64 {
	if LongSize == 4 {
		return uint64(binary.NativeEndian.Uint32(buf))
	}
	return binary.NativeEndian.Uint64(buf)
}

// Longs reads a C long array into preallocated buffers.
type Longs struct {
	Sysctl
	raw    []byte
	Values []uint64
}

// NewLongs allocates buffers for count values.
func NewLongs(s Sysctl, count int) *Longs {
	return &Longs{
		Sysctl: s,
		raw:    make([]byte, count*LongSize),
		Values: make([]uint64, count),
	}
}

// Update refreshes Values and returns how many were read. A tunable
// wider than the buffer fills it completely and fails with ENOMEM, the
// caller decides whether the surplus matters.
func (l *Longs) Update() (int, error) {
	n, err := l.Read(l.raw)
	count := n / LongSize
	for i := 0; i < count; i++ {
		l.Values[i] = getLong(l.raw[i*LongSize:])
	}
	return count, err
}

// CopyOut implements the Backend.Get buffer convention for backends that
// hold the full value in memory.
func CopyOut(buf, value []byte) (int, error) {
	if buf == nil {
		return len(value), nil
	}
	n := copy(buf, value)
	if n < len(value) {
		return n, syscall.ENOMEM
	}
	return n, nil
}

// Tick states of kern.cp_times, CPUSTATES entries per core.
const (
	CPUser = iota
	CPNice
	CPSys
	CPIntr
	CPIdle
	CPUStates
)
