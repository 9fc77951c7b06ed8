//go:build !freebsd && !linux

package sysctl

import "syscall"

type unsupported struct{}

// Native returns a backend without any tunables, discovery on it fails
// with the usual missing frequency control error.
func Native() (Backend, error) { return unsupported{}, nil }

func (unsupported) NameToMIB(string) (MIB, error) { return nil, syscall.ENOENT }

func (unsupported) Get(MIB, []byte) (int, error) { return 0, syscall.ENOENT }

func (unsupported) Set(MIB, []byte) error { return syscall.ENOENT }
