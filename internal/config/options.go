// Package config turns the powerd command line into validated Options.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"blackdark/powerd/internal/exitcode"
)

// AcLine is the power source state as reported by hw.acpi.acline.
type AcLine int

const (
	Battery AcLine = iota
	Online
	Unknown
	AcLines
)

var acLineNames = [...]string{"battery", "online", "unknown"}

func (l AcLine) String() string {
	if l < 0 || l >= AcLines {
		return acLineNames[Unknown]
	}
	return acLineNames[l]
}

// ACSet holds the frequency policy for one power line state.
type ACSet struct {
	Name       string
	FreqMin    int32
	FreqMax    int32
	TargetLoad int32
	TargetFreq int32
}

func (s ACSet) Fixed() bool { return s.TargetLoad == 0 }

func (s ACSet) MarshalZerologObject(e *zerolog.Event) {
	e.Int32("freq_min", s.FreqMin).Int32("freq_max", s.FreqMax)
	if s.Fixed() {
		e.Int32("target_freq", s.TargetFreq)
		return
	}
	e.Int32("target_load", s.TargetLoad)
}

// Options is the immutable runtime configuration.
type Options struct {
	Verbose    bool
	Foreground bool

	Sets [AcLines]ACSet

	Interval time.Duration
	Samples  int

	// TempCrit 0 means thresholds are discovered per core.
	TempHigh   int32
	TempCrit   int32
	TempFormat string

	PidFile     string
	MetricsAddr string
}

func (o Options) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("foreground", o.Foreground).
		Dur("interval", o.Interval).
		Int("samples", o.Samples).
		Str("temperature", o.TempFormat).
		Str("pidfile", o.PidFile)
	if o.TempCrit != 0 {
		e.Int32("temp_high_c", Celsius(o.TempHigh)).Int32("temp_crit_c", Celsius(o.TempCrit))
	}
	for _, set := range o.Sets {
		e.Object(set.Name, set)
	}
}

// Defaults returned by Parse for options not given on the command line.
const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultSamples     = 4
	DefaultPidFile     = "/var/run/powerd.pid"
	DefaultTemperature = "dev.cpu.%d.temperature"
)

const usage = "[-hvf] [-abn mode] [-mM freq] [-FAB freq:freq] [-H temp:temp] [-t sysctl] [-p ival] [-s cnt] [-P file]"

type flags struct {
	fs *flag.FlagSet

	verbose, foreground bool

	modes    [AcLines]string
	min, max string
	mins     [AcLines]string
	maxs     [AcLines]string
	ranges   [AcLines]string
	freqs    string

	hitemp, temperature string
	poll, samples       string
	pid                 string
	metrics             string
}

func newFlags(name string, out io.Writer) *flags {
	f := &flags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	fs := f.fs
	fs.SetOutput(out)
	fs.SortFlags = false
	fs.Usage = func() {
		io.WriteString(out, "usage: "+name+" "+usage+"\n")
		fs.PrintDefaults()
	}

	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Be verbose, stay in foreground")
	fs.BoolVarP(&f.foreground, "foreground", "f", false, "Stay in foreground")
	fs.StringVarP(&f.modes[Online], "ac", "a", "hadp", "Mode while on AC power")
	fs.StringVarP(&f.modes[Battery], "batt", "b", "adp", "Mode while on battery power")
	fs.StringVarP(&f.modes[Unknown], "unknown", "n", "hadp", "Mode while the power source is unknown")
	fs.StringVarP(&f.min, "min", "m", "", "Minimum CPU frequency")
	fs.StringVarP(&f.max, "max", "M", "", "Maximum CPU frequency")
	fs.StringVar(&f.mins[Online], "min-ac", "", "Minimum CPU frequency on AC power")
	fs.StringVar(&f.maxs[Online], "max-ac", "", "Maximum CPU frequency on AC power")
	fs.StringVar(&f.mins[Battery], "min-batt", "", "Minimum CPU frequency on battery power")
	fs.StringVar(&f.maxs[Battery], "max-batt", "", "Maximum CPU frequency on battery power")
	fs.StringVarP(&f.freqs, "freq-range", "F", "", "CPU frequency range (min:max)")
	fs.StringVarP(&f.ranges[Online], "freq-range-ac", "A", "", "CPU frequency range on AC power (min:max)")
	fs.StringVarP(&f.ranges[Battery], "freq-range-batt", "B", "", "CPU frequency range on battery power (min:max)")
	fs.StringVarP(&f.hitemp, "hitemp-range", "H", "", "High to critical temperature range (high:critical)")
	fs.StringVarP(&f.temperature, "temperature", "t", DefaultTemperature, "Sysctl format of the per core temperature")
	fs.StringVarP(&f.poll, "poll", "p", "500ms", "Polling interval")
	fs.StringVarP(&f.samples, "samples", "s", "4", "Number of load samples to average")
	fs.StringVarP(&f.pid, "pid", "P", DefaultPidFile, "Alternative PID file")
	fs.StringP("idle", "i", "", "Ignored")
	fs.StringP("run", "r", "", "Ignored")
	fs.StringVar(&f.metrics, "metrics-addr", os.Getenv("POWERD_METRICS_ADDR"), "Listen address of the Prometheus metrics endpoint")
	return f
}

// Parse reads the command line arguments following the program name.
// Usage and parse errors are written to out. Asking for help returns
// flag.ErrHelp wrapped with exit code OK.
func Parse(name string, args []string, out io.Writer) (Options, error) {
	f := newFlags(name, out)
	if err := f.fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return Options{}, exitcode.Wrap(exitcode.OK, err)
		}
		return Options{}, exitcode.Wrap(exitcode.ECLARG, err)
	}
	if f.fs.NArg() > 0 {
		return Options{}, exitcode.Errorf(exitcode.ECLARG, "unexpected argument: %s", strings.Join(f.fs.Args(), " "))
	}
	return f.options()
}

func (f *flags) options() (Options, error) {
	o := Options{
		Verbose:    f.verbose,
		Foreground: f.foreground || f.verbose,
	}

	for line := range AcLines {
		o.Sets[line] = ACSet{Name: line.String(), FreqMin: FreqMinDefault, FreqMax: FreqMaxDefault}
		mode, err := ParseMode(f.modes[line])
		if err != nil {
			return o, err
		}
		o.Sets[line].TargetLoad = mode.Target
		o.Sets[line].TargetFreq = mode.Freq
	}

	// General bounds first, line specific bounds override them.
	if f.freqs != "" {
		lo, hi, err := Range(Freq, f.freqs)
		if err != nil {
			return o, err
		}
		o.bounds(AcLines, lo, hi)
	}
	if err := o.bound(AcLines, f.min, f.max); err != nil {
		return o, err
	}
	for line := range Unknown {
		if f.ranges[line] != "" {
			lo, hi, err := Range(Freq, f.ranges[line])
			if err != nil {
				return o, err
			}
			o.bounds(line, lo, hi)
		}
		if err := o.bound(line, f.mins[line], f.maxs[line]); err != nil {
			return o, err
		}
	}
	for _, set := range o.Sets {
		if set.FreqMin >= set.FreqMax {
			return o, exitcode.Errorf(exitcode.EOUTOFRANGE,
				"%s: minimum frequency (%d MHz) must be below maximum frequency (%d MHz)",
				set.Name, set.FreqMin, set.FreqMax)
		}
	}

	var err error
	if f.hitemp != "" {
		if o.TempHigh, o.TempCrit, err = Range(Temperature, f.hitemp); err != nil {
			return o, err
		}
		if o.TempHigh >= o.TempCrit {
			return o, exitcode.Errorf(exitcode.EOUTOFRANGE,
				"high temperature (%d C) must be below critical temperature (%d C)",
				Celsius(o.TempHigh), Celsius(o.TempCrit))
		}
	}
	if o.TempFormat, err = SysctlFormat(f.temperature); err != nil {
		return o, err
	}
	if o.Interval, err = Interval(f.poll); err != nil {
		return o, err
	}
	if o.Samples, err = Samples(f.samples); err != nil {
		return o, err
	}
	if f.pid == "" {
		return o, exitcode.Errorf(exitcode.EFILE, "pidfile name missing")
	}
	o.PidFile = f.pid
	o.MetricsAddr = f.metrics
	return o, nil
}

// bounds applies lo and hi to line, AcLines applies them to every line.
func (o *Options) bounds(line AcLine, lo, hi int32) {
	for i := range o.Sets {
		if line == AcLines || line == AcLine(i) {
			o.Sets[i].FreqMin, o.Sets[i].FreqMax = lo, hi
		}
	}
}

func (o *Options) bound(line AcLine, lo, hi string) error {
	for i := range o.Sets {
		if line != AcLines && line != AcLine(i) {
			continue
		}
		if lo != "" {
			v, err := Freq(lo)
			if err != nil {
				return err
			}
			o.Sets[i].FreqMin = v
		}
		if hi != "" {
			v, err := Freq(hi)
			if err != nil {
				return err
			}
			o.Sets[i].FreqMax = v
		}
	}
	return nil
}
