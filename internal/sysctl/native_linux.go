//go:build linux

package sysctl

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"github.com/shirou/gopsutil/v4/cpu"
)

// userHZ is the tick rate /proc/stat is accounted in.
const userHZ = 100

// cpuZoneTypes lists thermal zone types that track the CPU package, in
// order of preference.
var cpuZoneTypes = []string{"x86_pkg_temp", "cpu-thermal", "cpu_thermal", "k10temp", "soc_thermal", "acpitz"}

// Native returns the Linux emulation rooted at /proc and /sys.
func Native() (Backend, error) {
	return NewLinux(procfs.DefaultMountPoint, sysfs.DefaultMountPoint)
}

// Linux emulates the FreeBSD tunables powerd depends on:
//
//	hw.ncpu                    logical cores
//	kern.cp_times              /proc/stat per core ticks
//	hw.acpi.acline             Mains power supply online state
//	dev.cpu.N.freq             cpufreq policy N, N must lead its policy
//	dev.cpu.N.freq_levels      scaling_available_frequencies or cpuinfo limits
//	dev.cpu.N.temperature      CPU thermal zone, decikelvin
//	dev.cpu.N.coretemp.tjmax   critical trip point of that zone
//	hw.acpi.thermal.tz0._CRT   same as above
//
// Writing a frequency switches the policy to the userspace governor,
// Close switches it back.
type Linux struct {
	proc    procfs.FS
	sys     sysfs.FS
	sysRoot string

	names     map[string]int
	nodes     []node
	governors map[int]string
}

type node struct {
	get func(buf []byte) (int, error)
	set func(value []byte) error
}

// NewLinux returns an emulation backend reading from the given procfs and
// sysfs mount points. hw.ncpu follows HOST_PROC like gopsutil does.
func NewLinux(procRoot, sysRoot string) (*Linux, error) {
	proc, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	sys, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs: %w", err)
	}
	return &Linux{
		proc:      proc,
		sys:       sys,
		sysRoot:   sysRoot,
		names:     map[string]int{},
		governors: map[int]string{},
	}, nil
}

func (l *Linux) NameToMIB(name string) (MIB, error) {
	if i, ok := l.names[name]; ok {
		return MIB{int32(i)}, nil
	}
	n, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	l.nodes = append(l.nodes, n)
	l.names[name] = len(l.nodes) - 1
	return MIB{int32(len(l.nodes) - 1)}, nil
}

func (l *Linux) node(mib MIB) (node, error) {
	if len(mib) != 1 || mib[0] < 0 || int(mib[0]) >= len(l.nodes) {
		return node{}, syscall.ENOENT
	}
	return l.nodes[mib[0]], nil
}

func (l *Linux) Get(mib MIB, buf []byte) (int, error) {
	n, err := l.node(mib)
	if err != nil {
		return 0, err
	}
	return n.get(buf)
}

func (l *Linux) Set(mib MIB, value []byte) error {
	n, err := l.node(mib)
	if err != nil {
		return err
	}
	if n.set == nil {
		return syscall.EPERM
	}
	return n.set(value)
}

// Close restores the governors replaced by frequency writes.
func (l *Linux) Close() error {
	var errs []error
	for cpu, governor := range l.governors {
		if governor == "userspace" {
			continue
		}
		if err := os.WriteFile(l.cpufreqPath(cpu, "scaling_governor"), []byte(governor), 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	clear(l.governors)
	return errors.Join(errs...)
}

func (l *Linux) resolve(name string) (node, error) {
	switch name {
	case "hw.ncpu":
		return l.ncpu(), nil
	case "kern.cp_times":
		return l.cpTimes(), nil
	case "hw.acpi.acline":
		return l.acline()
	case "hw.acpi.thermal.tz0._CRT":
		return l.critical()
	}

	rest, ok := strings.CutPrefix(name, "dev.cpu.")
	if !ok {
		return node{}, syscall.ENOENT
	}
	index, leaf, _ := strings.Cut(rest, ".")
	core, err := strconv.Atoi(index)
	if err != nil || core < 0 {
		return node{}, syscall.ENOENT
	}
	switch leaf {
	case "freq":
		return l.freq(core)
	case "freq_levels":
		return l.levels(core)
	case "temperature":
		return l.temperature()
	case "coretemp.tjmax":
		return l.critical()
	}
	return node{}, syscall.ENOENT
}

func (l *Linux) ncpu() node {
	return node{get: func(buf []byte) (int, error) {
		count, err := cpu.Counts(true)
		if err != nil {
			return 0, err
		}
		return CopyOut(buf, Encode(int32(count)))
	}}
}

func ticks(seconds float64) uint64 {
	return uint64(math.Round(seconds * userHZ))
}

func (l *Linux) cpTimes() node {
	return node{get: func(buf []byte) (int, error) {
		stat, err := l.proc.Stat()
		if err != nil {
			return 0, err
		}
		width := 0
		for i := range stat.CPU {
			width = max(width, int(i)+1)
		}
		values := make([]uint64, width*CPUStates)
		for i, t := range stat.CPU {
			v := values[int(i)*CPUStates:]
			v[CPUser] = ticks(t.User)
			v[CPNice] = ticks(t.Nice)
			v[CPSys] = ticks(t.System + t.Steal)
			v[CPIntr] = ticks(t.IRQ + t.SoftIRQ)
			v[CPIdle] = ticks(t.Idle + t.Iowait)
		}
		return CopyOut(buf, EncodeLongs(values))
	}}
}

func (l *Linux) cpufreqPath(core int, file string) string {
	return filepath.Join(l.sysRoot, "devices/system/cpu", fmt.Sprintf("cpu%d", core), "cpufreq", file)
}

// leads reports whether core is the first CPU of its cpufreq policy.
func (l *Linux) leads(core int) bool {
	if _, err := os.Stat(l.cpufreqPath(core, "scaling_cur_freq")); err != nil {
		return false
	}
	related, err := readString(l.cpufreqPath(core, "related_cpus"))
	if err != nil {
		return true
	}
	fields := strings.Fields(related)
	if len(fields) == 0 {
		return true
	}
	first, err := strconv.Atoi(fields[0])
	return err != nil || first == core
}

func (l *Linux) freq(core int) (node, error) {
	if !l.leads(core) {
		return node{}, syscall.ENOENT
	}
	current := l.cpufreqPath(core, "scaling_cur_freq")
	setspeed := l.cpufreqPath(core, "scaling_setspeed")
	return node{
		get: func(buf []byte) (int, error) {
			// scaling_cur_freq is quantized by the hardware, once the
			// policy is ours the set point is the clock.
			path := current
			if _, ok := l.governors[core]; ok {
				path = setspeed
			}
			khz, err := readUint(path)
			if err != nil && path == setspeed {
				khz, err = readUint(current)
			}
			if err != nil {
				return 0, err
			}
			return CopyOut(buf, Encode(int32(khz/1000)))
		},
		set: func(value []byte) error {
			if len(value) != 4 {
				return syscall.EINVAL
			}
			if err := l.userspace(core); err != nil {
				return err
			}
			mhz := decode[int32](value)
			return os.WriteFile(setspeed, []byte(strconv.Itoa(int(mhz)*1000)), 0o644)
		},
	}, nil
}

func (l *Linux) userspace(core int) error {
	if _, ok := l.governors[core]; ok {
		return nil
	}
	path := l.cpufreqPath(core, "scaling_governor")
	current, err := readString(path)
	if err != nil {
		return err
	}
	if current != "userspace" {
		if err := os.WriteFile(path, []byte("userspace"), 0o644); err != nil {
			return err
		}
	}
	l.governors[core] = current
	return nil
}

func (l *Linux) levels(core int) (node, error) {
	if !l.leads(core) {
		return node{}, syscall.ENOENT
	}
	var khz []uint64
	if available, err := readString(l.cpufreqPath(core, "scaling_available_frequencies")); err == nil {
		for _, field := range strings.Fields(available) {
			if v, err := strconv.ParseUint(field, 10, 64); err == nil {
				khz = append(khz, v)
			}
		}
	}
	if len(khz) == 0 {
		stats, err := l.sys.SystemCpufreq()
		if err == nil {
			for _, s := range stats {
				if s.Name != strconv.Itoa(core) || s.CpuinfoMaximumFrequency == nil || s.CpuinfoMinimumFrequency == nil {
					continue
				}
				khz = []uint64{*s.CpuinfoMaximumFrequency, *s.CpuinfoMinimumFrequency}
			}
		}
	}
	if len(khz) == 0 {
		return node{}, syscall.ENOENT
	}

	var levels strings.Builder
	for i, v := range khz {
		if i > 0 {
			levels.WriteByte(' ')
		}
		fmt.Fprintf(&levels, "%d/-1", v/1000)
	}
	value := append([]byte(levels.String()), 0)
	return node{get: func(buf []byte) (int, error) {
		return CopyOut(buf, value)
	}}, nil
}

func (l *Linux) mainsOnline() (int64, error) {
	supplies, err := l.sys.PowerSupplyClass()
	if err != nil {
		return 0, syscall.ENOENT
	}
	for _, name := range slices.Sorted(maps.Keys(supplies)) {
		supply := supplies[name]
		if supply.Type == "Mains" && supply.Online != nil {
			return *supply.Online, nil
		}
	}
	return 0, syscall.ENOENT
}

func (l *Linux) acline() (node, error) {
	if _, err := l.mainsOnline(); err != nil {
		return node{}, err
	}
	return node{get: func(buf []byte) (int, error) {
		online, err := l.mainsOnline()
		if err != nil {
			return 0, err
		}
		return CopyOut(buf, Encode(int32(online)))
	}}, nil
}

func (l *Linux) thermalZone() (string, error) {
	zones, err := l.sys.ClassThermalZoneStats()
	if err != nil {
		return "", syscall.ENOENT
	}
	for _, kind := range cpuZoneTypes {
		for _, zone := range zones {
			if zone.Type == kind {
				return filepath.Join(l.sysRoot, "class/thermal", "thermal_zone"+zone.Name), nil
			}
		}
	}
	return "", syscall.ENOENT
}

// decikelvin converts millidegrees Celsius.
func decikelvin(milliCelsius int64) int32 {
	return int32((milliCelsius + 273150) / 100)
}

func (l *Linux) temperature() (node, error) {
	zone, err := l.thermalZone()
	if err != nil {
		return node{}, err
	}
	path := filepath.Join(zone, "temp")
	return node{get: func(buf []byte) (int, error) {
		mc, err := readInt(path)
		if err != nil {
			return 0, err
		}
		return CopyOut(buf, Encode(decikelvin(mc)))
	}}, nil
}

func (l *Linux) critical() (node, error) {
	zone, err := l.thermalZone()
	if err != nil {
		return node{}, err
	}
	for i := 0; ; i++ {
		kind, err := readString(filepath.Join(zone, fmt.Sprintf("trip_point_%d_type", i)))
		if err != nil {
			return node{}, syscall.ENOENT
		}
		if kind != "critical" {
			continue
		}
		mc, err := readInt(filepath.Join(zone, fmt.Sprintf("trip_point_%d_temp", i)))
		if err != nil {
			return node{}, syscall.ENOENT
		}
		value := Encode(decikelvin(mc))
		return node{get: func(buf []byte) (int, error) {
			return CopyOut(buf, value)
		}}, nil
	}
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, syscall.EINVAL
	}
	return v, nil
}

func readInt(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, syscall.EINVAL
	}
	return v, nil
}
