package governor

import (
	"strconv"
	"strings"
)

// parseLevels returns the frequency extremes of a dev.cpu.N.freq_levels
// step table such as "2400/35000 2100/30000 800/8000". Entries that do
// not start with a positive frequency are skipped.
func parseLevels(levels string) (lo, hi int32, ok bool) {
	for _, level := range strings.Fields(levels) {
		freq, _, _ := strings.Cut(level, "/")
		v, err := strconv.ParseInt(freq, 10, 32)
		if err != nil || v <= 0 {
			continue
		}
		f := int32(v)
		if !ok {
			lo, hi, ok = f, f, true
			continue
		}
		lo = min(lo, f)
		hi = max(hi, f)
	}
	return lo, hi, ok
}
