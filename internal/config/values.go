package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"blackdark/powerd/internal/exitcode"
)

// Fixed point load targets, 1024 is full load.
const (
	LoadScale = 1024
	ADP       = 512 // adaptive, 50% load
	HADP      = 384 // hiadaptive, 37.5% load
)

// Frequency bounds in MHz.
const (
	FreqMinDefault = 0
	FreqMaxDefault = 1000000
)

// HitempOffset is the distance in dK between the high temperature and a
// discovered critical temperature.
const HitempOffset = 100

type unit int

const (
	scalar unit = iota
	percent
	second
	millisecond
	hz
	khz
	mhz
	ghz
	thz
	celsius
	kelvin
	fahrenheit
	rankine
	unknownUnit
)

var unitNames = [...]string{"", "%", "s", "ms", "hz", "khz", "mhz", "ghz", "thz", "C", "K", "F", "R"}

// split separates the numeric prefix of str from its unit suffix.
func split(str string) (float64, unit, bool) {
	pos := 0
	if pos < len(str) && (str[pos] == '+' || str[pos] == '-') {
		pos++
	}
	for pos < len(str) && (str[pos] >= '0' && str[pos] <= '9' || str[pos] == '.') {
		pos++
	}
	value, err := strconv.ParseFloat(str[:pos], 64)
	if err != nil {
		return 0, unknownUnit, false
	}
	suffix := str[pos:]
	for i, name := range unitNames {
		if suffix == name {
			return value, unit(i), true
		}
	}
	return value, unknownUnit, true
}

// Load converts "0.5" or "50%" to a load target in [1, 1024].
func Load(str string) (int32, error) {
	if str == "" {
		return 0, exitcode.Errorf(exitcode.ELOAD, "load target value missing")
	}
	value, u, ok := split(strings.ToLower(str))
	if ok {
		switch u {
		case scalar:
			if value > 1 || value < 0 {
				return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "load targets must be in the range [0.0, 1.0]: %s", str)
			}
			return max(1, int32(LoadScale*value)), nil
		case percent:
			if value > 100 || value < 0 {
				return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "load targets must be in the range [0%%, 100%%]: %s", str)
			}
			return max(1, int32(LoadScale*value/100)), nil
		}
	}
	return 0, exitcode.Errorf(exitcode.ELOAD, "load target not recognised: %s", str)
}

// Freq converts a frequency to MHz. Values without unit are MHz.
func Freq(str string) (int32, error) {
	if str == "" {
		return 0, exitcode.Errorf(exitcode.EFREQ, "frequency value missing")
	}
	value, u, ok := split(strings.ToLower(str))
	if !ok {
		return 0, exitcode.Errorf(exitcode.EFREQ, "frequency value not recognised: %s", str)
	}
	switch u {
	case hz:
		value /= 1e6
	case khz:
		value /= 1e3
	case scalar, mhz:
	case ghz:
		value *= 1e3
	case thz:
		value *= 1e6
	default:
		return 0, exitcode.Errorf(exitcode.EFREQ, "frequency value not recognised: %s", str)
	}
	if value > FreqMaxDefault || value < 0 {
		return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "target frequency must be in the range [0Hz, 1THz]: %s", str)
	}
	return int32(value), nil
}

// Interval converts "500", "500ms" or "0.5s". Values without unit are
// milliseconds.
func Interval(str string) (time.Duration, error) {
	if str == "" {
		return 0, exitcode.Errorf(exitcode.EIVAL, "interval value missing")
	}
	value, u, ok := split(strings.ToLower(str))
	if !ok {
		return 0, exitcode.Errorf(exitcode.EIVAL, "interval not recognised: %s", str)
	}
	if value <= 0 {
		return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "interval must be positive: %s", str)
	}
	switch u {
	case second:
		return time.Duration(value * float64(time.Second)), nil
	case scalar, millisecond:
		return time.Duration(value * float64(time.Millisecond)), nil
	}
	return 0, exitcode.Errorf(exitcode.EIVAL, "interval not recognised: %s", str)
}

// Samples converts an integer sample count in [1, 1000].
func Samples(str string) (int, error) {
	if str == "" {
		return 0, exitcode.Errorf(exitcode.ESAMPLES, "sample count value missing")
	}
	value, u, ok := split(str)
	if !ok || u != scalar {
		return 0, exitcode.Errorf(exitcode.ESAMPLES, "sample count must be a scalar integer: %s", str)
	}
	if value != math.Trunc(value) {
		return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "sample count must be an integer: %s", str)
	}
	if value < 1 || value > 1000 {
		return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "sample count must be in the range [1, 1000]: %s", str)
	}
	return int(value), nil
}

// Temperature converts a temperature to decikelvin. Values without unit
// are Celsius, K, F and R are also understood.
func Temperature(str string) (int32, error) {
	if str == "" {
		return 0, exitcode.Errorf(exitcode.ETEMPERATURE, "temperature value missing")
	}
	value, u, ok := split(strings.ToUpper(str))
	if !ok {
		return 0, exitcode.Errorf(exitcode.ETEMPERATURE, "temperature value not recognised: %s", str)
	}
	switch u {
	case scalar, celsius:
		value += 273.15
	case kelvin:
	case fahrenheit:
		value = (value + 459.67) * 5 / 9
	case rankine:
		value *= 5. / 9.
	default:
		return 0, exitcode.Errorf(exitcode.ETEMPERATURE, "temperature value not recognised: %s", str)
	}
	if value < 0 {
		return 0, exitcode.Errorf(exitcode.EOUTOFRANGE, "temperature must be above absolute zero (-273.15 C): %s", str)
	}
	return int32(value * 10), nil
}

// Celsius converts decikelvin to rounded degrees Celsius for display.
func Celsius(dK int32) int32 {
	c := dK - 2731
	if c >= 0 {
		return (c + 5) / 10
	}
	return (c - 5) / 10
}

// Range splits "lo:hi" and converts both ends with conv.
func Range[T any](conv func(string) (T, error), str string) (lo, hi T, err error) {
	if str == "" {
		if _, err := conv(str); err != nil {
			return lo, hi, err
		}
		return lo, hi, exitcode.Errorf(exitcode.ERANGEFMT, "range missing")
	}
	first, second, ok := strings.Cut(str, ":")
	if !ok {
		return lo, hi, exitcode.Errorf(exitcode.ERANGEFMT, "missing colon separator in range: %s", str)
	}
	if lo, err = conv(first); err != nil {
		return lo, hi, err
	}
	hi, err = conv(second)
	return lo, hi, err
}

// Mode is a per power line operating mode. Target 0 selects a fixed
// frequency.
type Mode struct {
	Target int32
	Freq   int32
}

// ParseMode understands the keywords minimum, maximum, adaptive and
// hiadaptive with their short forms, a load target or a fixed frequency.
func ParseMode(str string) (Mode, error) {
	lower := strings.ToLower(str)
	switch lower {
	case "minimum", "min":
		return Mode{Freq: FreqMinDefault}, nil
	case "maximum", "max":
		return Mode{Freq: FreqMaxDefault}, nil
	case "adaptive", "adp":
		return Mode{Target: ADP}, nil
	case "hiadaptive", "hadp":
		return Mode{Target: HADP}, nil
	}
	_, u, ok := split(lower)
	switch {
	case !ok:
	case u == scalar || u == percent:
		target, err := Load(str)
		return Mode{Target: target}, err
	case u >= hz && u <= thz:
		freq, err := Freq(str)
		return Mode{Freq: freq}, err
	}
	return Mode{}, exitcode.Errorf(exitcode.EMODE, "mode not recognised: %s", str)
}

func (m Mode) String() string {
	if m.Target == 0 {
		return fmt.Sprintf("fixed %d MHz", m.Freq)
	}
	return fmt.Sprintf("adaptive %.1f%% load", float64(m.Target)*100/LoadScale)
}

// SysctlFormat validates a sysctl name pattern with exactly one %d field
// for the core index.
func SysctlFormat(str string) (string, error) {
	if str == "" {
		return "", exitcode.Errorf(exitcode.ECLARG, "sysctl name missing")
	}
	fields := 0
	for i := 0; i < len(str); i++ {
		ch := str[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '.', ch == '_', ch == '-':
		case ch == '%' && i+1 < len(str) && str[i+1] == '%':
			i++
		case ch == '%' && i+1 < len(str) && str[i+1] == 'd' && fields == 0:
			fields++
			i++
		case ch == '%':
			return "", exitcode.Errorf(exitcode.ECLARG, "unexpected formatting field at offset %d: %s", i, str)
		default:
			return "", exitcode.Errorf(exitcode.ECLARG, "invalid character %q in sysctl name: %s", ch, str)
		}
	}
	return str, nil
}
