//go:build freebsd

package sysctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ctlMaxName is CTL_MAXNAME from sys/sysctl.h.
const ctlMaxName = 24

// name2oid is the undocumented sysctl.name2oid node sysctlnametomib(3)
// is built on.
var name2oid = MIB{0, 3}

type native struct{}

// Native returns the sysctl(3) backend.
func Native() (Backend, error) { return native{}, nil }

func (native) NameToMIB(name string) (MIB, error) {
	mib := make(MIB, ctlMaxName)
	size := uintptr(len(mib)) * unsafe.Sizeof(mib[0])
	query := []byte(name)
	if len(query) == 0 {
		return nil, unix.ENOENT
	}
	err := sysctl(name2oid, unsafe.Pointer(&mib[0]), &size,
		unsafe.Pointer(&query[0]), uintptr(len(query)))
	if err != nil {
		return nil, err
	}
	return mib[:size/unsafe.Sizeof(mib[0])], nil
}

func (native) Get(mib MIB, buf []byte) (int, error) {
	size := uintptr(len(buf))
	var old unsafe.Pointer
	if len(buf) > 0 {
		old = unsafe.Pointer(&buf[0])
	}
	err := sysctl(mib, old, &size, nil, 0)
	return int(size), err
}

func (native) Set(mib MIB, value []byte) error {
	var newp unsafe.Pointer
	if len(value) > 0 {
		newp = unsafe.Pointer(&value[0])
	}
	return sysctl(mib, nil, nil, newp, uintptr(len(value)))
}

func sysctl(mib MIB, old unsafe.Pointer, oldlen *uintptr, newp unsafe.Pointer, newlen uintptr) error {
	if len(mib) == 0 {
		return unix.EINVAL
	}
	_, _, errno := unix.Syscall6(unix.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&mib[0])), uintptr(len(mib)),
		uintptr(old), uintptr(unsafe.Pointer(oldlen)),
		uintptr(newp), newlen)
	if errno != 0 {
		return errno
	}
	return nil
}
