package governor

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/exitcode"
	"blackdark/powerd/internal/sysctl"
	"blackdark/powerd/internal/sysctl/sysctltest"
)

// host is a fake machine with cumulative tick counters.
type host struct {
	*sysctltest.Backend
	ticks []uint64
}

func newHost(ncpu int, freqs ...int) *host {
	h := &host{Backend: sysctltest.New(), ticks: make([]uint64, ncpu*sysctl.CPUStates)}
	h.SetInt(NCPU, int32(ncpu))
	h.SetInt(ACLine, int32(config.Online))
	h.SetLongs(CPTimes, h.ticks)
	for _, core := range freqs {
		h.SetInt(name(Freq, core), 1200)
	}
	return h
}

func name(format string, core int) string {
	return fmt.Sprintf(format, core)
}

// busy advances the counters of core by busy user and idle idle ticks.
func (h *host) busy(core int, busy, idle uint64) {
	h.ticks[core*sysctl.CPUStates+sysctl.CPUser] += busy
	h.ticks[core*sysctl.CPUStates+sysctl.CPIdle] += idle
	h.SetLongs(CPTimes, h.ticks)
}

func options(t *testing.T, args ...string) config.Options {
	t.Helper()
	o, err := config.Parse("powerd", args, io.Discard)
	require.NoError(t, err)
	return o
}

func freq(t *testing.T, h *host, core int) int32 {
	t.Helper()
	v, ok := h.Int(name(Freq, core))
	require.True(t, ok)
	return v
}

func TestNew_Groups(t *testing.T) {
	h := newHost(6, 0, 2, 5)

	c, err := New(h, options(t), io.Discard)
	require.NoError(t, err)

	groups := c.Groups()
	require.Len(t, groups, 3)
	for i, want := range [][2]int{{0, 1}, {2, 4}, {5, 5}} {
		first, last := groups[i].Members()
		assert.Equal(t, want[0], first)
		assert.Equal(t, want[1], last)
		assert.Equal(t, want[0], groups[i].Leader())
	}
	for i, core := range c.cores {
		g := groups[core.group]
		first, last := g.Members()
		assert.True(t, first <= i && i <= last, "core %d outside its group", i)
	}
}

func TestNew_NoFrequencyControl(t *testing.T) {
	h := newHost(2, 1)

	_, err := New(h, options(t), io.Discard)
	assert.Equal(t, exitcode.ENOFREQ, exitcode.Of(err))
}

func TestNew_SysctlFailures(t *testing.T) {
	tests := []struct {
		name string
		fail string
	}{
		{"core count", NCPU},
		{"tick counters", CPTimes},
		{"clock", "dev.cpu.0.freq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(2, 0)
			h.FailGet(tt.fail, syscall.EIO)
			_, err := New(h, options(t), io.Discard)
			assert.Equal(t, exitcode.ESYSCTL, exitcode.Of(err))
			assert.ErrorIs(t, err, syscall.EIO)
		})
	}
}

func TestNew_ShortTickCounters(t *testing.T) {
	h := newHost(2, 0)
	h.SetLongs(CPTimes, make([]uint64, sysctl.CPUStates))

	_, err := New(h, options(t), io.Discard)
	assert.Equal(t, exitcode.ESYSCTL, exitcode.Of(err))
}

func TestNew_Priming(t *testing.T) {
	h := newHost(1, 0)
	h.SetInt(name(Freq, 0), 2000)

	c, err := New(h, options(t, "-a", "adp"), io.Discard)
	require.NoError(t, err)
	g := c.Groups()[0]
	assert.Equal(t, []uint64{1000, 1000, 1000, 1000}, g.Loads())
	assert.Equal(t, uint64(4000), g.LoadSum())

	c, err = New(h, options(t, "-a", "max", "-s", "2"), io.Discard)
	require.NoError(t, err)
	g = c.Groups()[0]
	assert.Equal(t, []uint64{0, 0}, g.Loads())
	assert.Zero(t, g.LoadSum())
}

func TestNew_PrimedWindowKeepsClock(t *testing.T) {
	h := newHost(1, 0)
	h.SetInt(name(Freq, 0), 1600)

	c, err := New(h, options(t), io.Discard)
	require.NoError(t, err)
	h.busy(0, 375, 625)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(1600), freq(t, h, 0))
	assert.Zero(t, h.Writes(name(Freq, 0)))
}

func TestACLine(t *testing.T) {
	h := newHost(1, 0)
	h.SetInt(name(Freq, 0), 1000)
	opts := options(t, "-a", "1.5ghz", "-b", "800mhz", "-n", "1.2ghz")

	c, err := New(h, opts, io.Discard)
	require.NoError(t, err)

	for _, tt := range []struct {
		acline int32
		line   config.AcLine
		freq   int32
	}{
		{1, config.Online, 1500},
		{0, config.Battery, 800},
		{7, config.Unknown, 1200},
	} {
		h.SetInt(ACLine, tt.acline)
		require.NoError(t, c.Update())
		assert.Equal(t, tt.line, c.Line())
		assert.Equal(t, tt.freq, freq(t, h, 0))
	}

	h.FailGet(ACLine, syscall.EIO)
	require.NoError(t, c.Update())
	assert.Equal(t, config.Unknown, c.Line())
}

func TestACLine_Absent(t *testing.T) {
	h := newHost(1, 0)
	h.Remove(ACLine)

	c, err := New(h, options(t, "-n", "min"), io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.Equal(t, config.Unknown, c.Line())
	assert.Equal(t, int32(0), freq(t, h, 0))
}

func TestLevels(t *testing.T) {
	h := newHost(4, 0, 2)
	h.SetString(name(FreqLevels, 0), "2400/35000 2100/30000 1800/25000 800/8000")

	c, err := New(h, options(t, "-A", "1000:3000"), io.Discard)
	require.NoError(t, err)

	lo, hi := c.Groups()[0].Bounds()
	assert.Equal(t, int32(1000), lo)
	assert.Equal(t, int32(2400), hi)

	lo, hi = c.Groups()[1].Bounds()
	assert.Equal(t, int32(1000), lo)
	assert.Equal(t, int32(3000), hi)
}

func TestLevels_DisjointBounds(t *testing.T) {
	h := newHost(1, 0)
	h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")

	c, err := New(h, options(t, "-A", "3000:4000"), io.Discard)
	require.NoError(t, err)
	lo, hi := c.Groups()[0].Bounds()
	assert.Equal(t, int32(2400), lo)
	assert.Equal(t, int32(2400), hi)
}

func TestCoreLoadBounds(t *testing.T) {
	for _, freq := range []uint64{0, 1, 800, 1200, 4200} {
		for all := uint64(0); all <= 50; all++ {
			for idle := uint64(0); idle <= all; idle++ {
				load := coreLoad(freq, idle, all)
				assert.LessOrEqual(t, load, freq)
			}
		}
	}
	assert.Zero(t, coreLoad(1000, 0, 0))
	assert.Equal(t, uint64(1000), coreLoad(1000, 0, 10))
	assert.Zero(t, coreLoad(1000, 10, 10))
}

func TestGroupLoadIsMax(t *testing.T) {
	h := newHost(2, 0)
	h.SetInt(name(Freq, 0), 1000)

	c, err := New(h, options(t, "-s", "1", "-a", "adp"), io.Discard)
	require.NoError(t, err)

	h.busy(0, 0, 100)
	h.busy(1, 40, 60)
	require.NoError(t, c.Update())

	g := c.Groups()[0]
	assert.Equal(t, uint64(400), g.load)
	assert.Equal(t, uint64(400), g.LoadSum())
	assert.Equal(t, int32(800), freq(t, h, 0))
}

func TestIdleCoreContributesNothing(t *testing.T) {
	h := newHost(2, 0)
	h.SetInt(name(Freq, 0), 1000)

	c, err := New(h, options(t, "-s", "1"), io.Discard)
	require.NoError(t, err)

	h.busy(1, 25, 75)
	require.NoError(t, c.Update())
	assert.Equal(t, uint64(250), c.Groups()[0].LoadSum())
}

func TestRollingSum(t *testing.T) {
	h := newHost(4, 0, 2)
	h.SetString(name(FreqLevels, 0), "3000/-1 600/-1")
	h.SetString(name(FreqLevels, 2), "2000/-1 400/-1")

	c, err := New(h, options(t, "-s", "7"), io.Discard)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for cycle := 0; cycle < 100; cycle++ {
		for core := 0; core < 4; core++ {
			h.busy(core, uint64(rng.Intn(100)), uint64(rng.Intn(100)))
		}
		require.NoError(t, c.Update())
		for _, g := range c.Groups() {
			var sum uint64
			for _, load := range g.Loads() {
				sum += load
				assert.LessOrEqual(t, load, uint64(3000))
			}
			assert.Equal(t, sum, g.LoadSum())
			assert.LessOrEqual(t, g.load, uint64(g.sampleFreq))
		}
	}
}

func TestTickCounterTopology(t *testing.T) {
	h := newHost(2, 0)

	c, err := New(h, options(t), io.Discard)
	require.NoError(t, err)
	before := append([]uint64(nil), c.Groups()[0].Loads()...)

	h.SetLongs(CPTimes, make([]uint64, sysctl.CPUStates))
	require.NoError(t, c.Update())
	assert.Equal(t, before, c.Groups()[0].Loads())
	assert.Zero(t, c.sample)

	wide := make([]uint64, 4*sysctl.CPUStates)
	copy(wide, h.ticks)
	wide[sysctl.CPUser] += 100
	h.SetLongs(CPTimes, wide)
	require.NoError(t, c.Update())
	assert.Equal(t, 1, c.sample)
	assert.Equal(t, uint64(1200), c.Groups()[0].Loads()[0])

	h.FailGet(CPTimes, syscall.EIO)
	err = c.Update()
	assert.Equal(t, exitcode.ESYSCTL, exitcode.Of(err))
}

func TestAdaptiveClamp(t *testing.T) {
	h := newHost(1, 0)
	h.SetString(name(FreqLevels, 0), "2400/-1 1200/-1 800/-1")

	c, err := New(h, options(t, "-s", "1"), io.Discard)
	require.NoError(t, err)

	h.busy(0, 100, 0)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(2400), freq(t, h, 0))

	h.busy(0, 0, 100)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(800), freq(t, h, 0))
}

func TestAdaptiveConvergesToMinimumWhenIdle(t *testing.T) {
	h := newHost(2, 0)
	h.SetInt(name(Freq, 0), 2400)
	h.SetString(name(FreqLevels, 0), "2400/-1 1800/-1 1200/-1 800/-1")

	opts := options(t, "-s", "4", "-p", "500ms")
	require.Equal(t, int32(384), opts.Sets[config.Online].TargetLoad)
	c, err := New(h, opts, io.Discard)
	require.NoError(t, err)
	require.Len(t, c.Groups(), 1)

	var clocks []int32
	for cycle := 0; cycle < 5; cycle++ {
		h.busy(0, 0, 50)
		h.busy(1, 0, 50)
		require.NoError(t, c.Update())
		clocks = append(clocks, freq(t, h, 0))
	}
	assert.Equal(t, []int32{1800, 1200, 800, 800, 800}, clocks)
	lo, _ := c.Groups()[0].Bounds()
	assert.Equal(t, lo, clocks[3], "minimum reached within the sample window")
}

func TestFixedMode(t *testing.T) {
	h := newHost(1, 0)
	h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")

	c, err := New(h, options(t, "-a", "1.6ghz"), io.Discard)
	require.NoError(t, err)
	h.busy(0, 100, 0)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(1600), freq(t, h, 0))

	c, err = New(h, options(t, "-a", "max"), io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(2400), freq(t, h, 0))
}

func TestWriteSuppression(t *testing.T) {
	h := newHost(1, 0)

	c, err := New(h, options(t, "-a", "1200mhz"), io.Discard)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.busy(0, 10, 90)
		require.NoError(t, c.Update())
	}
	assert.Zero(t, h.Writes(name(Freq, 0)))
}

func TestThrottle(t *testing.T) {
	g := Group{min: 800, max: 2400, tempHigh: 3531, tempCrit: 3631}

	tests := []struct {
		temp int32
		in   int32
		want int32
	}{
		{3000, 2400, 2400},
		{3531, 2400, 2400},
		{3581, 2400, 1600},
		{3581, 1200, 1200},
		{3621, 2400, 960},
		{3630, 2400, 816},
		{3631, 2400, 800},
		{3700, 2400, 800},
	}
	for _, tt := range tests {
		g.temp = tt.temp
		assert.Equal(t, tt.want, g.throttle(tt.in), "temp %d", tt.temp)
	}
}

func TestTemperature_Throttling(t *testing.T) {
	h := newHost(2, 0)
	h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")
	h.SetInt(name(config.DefaultTemperature, 0), 3200)
	h.SetInt(name(config.DefaultTemperature, 1), 3200)

	c, err := New(h, options(t, "-H", "80:90", "-a", "max"), io.Discard)
	require.NoError(t, err)
	require.True(t, c.Throttling())

	require.NoError(t, c.Update())
	assert.Equal(t, int32(2400), freq(t, h, 0))

	h.SetInt(name(config.DefaultTemperature, 1), 3581)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(1600), freq(t, h, 0))

	h.SetInt(name(config.DefaultTemperature, 0), 3700)
	require.NoError(t, c.Update())
	assert.Equal(t, int32(800), freq(t, h, 0))
}

func TestTemperature_DiscoveredThresholds(t *testing.T) {
	h := newHost(3, 0, 2)
	h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")
	h.SetString(name(FreqLevels, 2), "2400/-1 800/-1")
	for core := 0; core < 3; core++ {
		h.SetInt(name(config.DefaultTemperature, core), 3200)
	}
	h.SetInt(name(TempTjmax, 0), 3731)
	h.SetInt(name(TempTjmax, 1), 3700)
	h.SetInt(TempACPICrt, 3681)

	c, err := New(h, options(t), io.Discard)
	require.NoError(t, err)
	require.True(t, c.Throttling())

	g := c.Groups()
	assert.Equal(t, int32(3700), g[0].tempCrit)
	assert.Equal(t, int32(3600), g[0].tempHigh)
	assert.Equal(t, int32(3681), g[1].tempCrit)
	assert.Equal(t, int32(3581), g[1].tempHigh)
}

func TestTemperature_Disabled(t *testing.T) {
	t.Run("no step table", func(t *testing.T) {
		h := newHost(1, 0)
		h.SetInt(name(config.DefaultTemperature, 0), 3200)
		h.SetInt(name(TempTjmax, 0), 3731)

		c, err := New(h, options(t), io.Discard)
		require.NoError(t, err)
		assert.False(t, c.Throttling())
	})
	t.Run("no thresholds", func(t *testing.T) {
		h := newHost(1, 0)
		h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")
		h.SetInt(name(config.DefaultTemperature, 0), 3200)

		c, err := New(h, options(t), io.Discard)
		require.NoError(t, err)
		assert.False(t, c.Throttling())
	})
	t.Run("read failure", func(t *testing.T) {
		h := newHost(1, 0)
		h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")
		h.SetInt(name(config.DefaultTemperature, 0), 3700)

		c, err := New(h, options(t, "-H", "80:90", "-a", "max"), io.Discard)
		require.NoError(t, err)
		require.True(t, c.Throttling())

		h.FailGet(name(config.DefaultTemperature, 0), syscall.EIO)
		require.NoError(t, c.Update())
		assert.False(t, c.Throttling())
		assert.Equal(t, int32(2400), freq(t, h, 0))

		h.FailGet(name(config.DefaultTemperature, 0), 0)
		require.NoError(t, c.Update())
		assert.False(t, c.Throttling())
	})
}

func TestProbeRestore(t *testing.T) {
	h := newHost(2, 0, 1)
	h.SetInt(name(Freq, 1), 1400)

	c, err := New(h, options(t, "-a", "2ghz"), io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.Probe())
	assert.Equal(t, 1, h.Writes(name(Freq, 0)))

	require.NoError(t, c.Update())
	assert.Equal(t, int32(2000), freq(t, h, 0))
	assert.Equal(t, int32(2000), freq(t, h, 1))

	require.NoError(t, c.Restore())
	assert.Equal(t, int32(1200), freq(t, h, 0))
	assert.Equal(t, int32(1400), freq(t, h, 1))
}

func TestForbidden(t *testing.T) {
	h := newHost(1, 0)
	h.ReadOnly(name(Freq, 0))

	c, err := New(h, options(t, "-a", "2ghz"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, exitcode.EFORBIDDEN, exitcode.Of(c.Probe()))
	assert.Equal(t, exitcode.EFORBIDDEN, exitcode.Of(c.Update()))

	h = newHost(1, 0)
	h.FailSet(name(Freq, 0), syscall.EIO)
	c, err = New(h, options(t, "-a", "2ghz"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, exitcode.ESYSCTL, exitcode.Of(c.Update()))
}

func TestStatusLine(t *testing.T) {
	h := newHost(1, 0)
	h.SetString(name(FreqLevels, 0), "2400/-1 800/-1")
	h.SetInt(name(config.DefaultTemperature, 0), 3231)
	h.SetInt(name(TempTjmax, 0), 3731)

	var out bytes.Buffer
	c, err := New(h, options(t, "-f"), &out)
	require.NoError(t, err)

	h.busy(0, 50, 50)
	require.NoError(t, c.Update())
	assert.Equal(t, "power: online, load: 487 MHz, 50 °C, cpu.0.freq: 1200 MHz, wanted: 1300 MHz\n", out.String())
	assert.Equal(t, int32(1300), freq(t, h, 0))

	out.Reset()
	h.SetInt(ACLine, int32(config.Battery))
	h.busy(0, 0, 100)
	h.SetInt(name(Freq, 0), 1300)
	require.NoError(t, c.Update())
	assert.Contains(t, out.String(), "power: battery, ")
}

func TestStatusLine_Background(t *testing.T) {
	h := newHost(1, 0)

	var out bytes.Buffer
	c, err := New(h, options(t), &out)
	require.NoError(t, err)
	require.NoError(t, c.Update())
	assert.Empty(t, out.String())
}

type recorder struct{ rows []Row }

func (r *recorder) Observe(rows []Row) { r.rows = append([]Row(nil), rows...) }

func TestObserver(t *testing.T) {
	h := newHost(2, 0, 1)

	c, err := New(h, options(t, "-a", "1.6ghz"), io.Discard)
	require.NoError(t, err)
	obs := &recorder{}
	c.Observe(obs)
	require.NoError(t, c.Update())

	require.Len(t, obs.rows, 2)
	assert.Equal(t, Row{Line: "online", Leader: 1, Freq: 1200, Wanted: 1600}, obs.rows[1])
}

func TestParseLevels(t *testing.T) {
	tests := []struct {
		in     string
		lo, hi int32
		ok     bool
	}{
		{"2400/35000 2100/30000 800/8000", 800, 2400, true},
		{"1200/-1", 1200, 1200, true},
		{"800/8000 2400/35000", 800, 2400, true},
		{"garbage 1600/1000", 1600, 1600, true},
		{"", 0, 0, false},
		{"0/0 -5/1", 0, 0, false},
	}
	for _, tt := range tests {
		lo, hi, ok := parseLevels(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.lo, lo, tt.in)
		assert.Equal(t, tt.hi, hi, tt.in)
	}
}
