// Package governor scales CPU clock frequencies to the measured load.
//
// Cores sharing a clock form a Group led by the first core that exposes
// dev.cpu.N.freq. Every cycle the Controller samples kern.cp_times, keeps
// a moving window of the highest member load per group, and sets the
// group clock so the load approaches the target of the current power
// line state, within the configured bounds and the thermal limits.
package governor

import (
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/exitcode"
	"blackdark/powerd/internal/sysctl"
)

// Tunables read by the governor.
const (
	NCPU        = "hw.ncpu"
	ACLine      = "hw.acpi.acline"
	CPTimes     = "kern.cp_times"
	Freq        = "dev.cpu.%d.freq"
	FreqLevels  = "dev.cpu.%d.freq_levels"
	TempACPICrt = "hw.acpi.thermal.tz0._CRT"
	TempTjmax   = "dev.cpu.%d.coretemp.tjmax"
)

// critSources are tried in order for the critical temperature of a core.
var critSources = []string{TempTjmax, TempACPICrt}

type Core struct {
	group int
	times [sysctl.CPUStates]uint64
	prev  [sysctl.CPUStates]uint64

	temp     sysctl.Sysctl
	tempHigh int32
	tempCrit int32
}

type Group struct {
	freq   sysctl.Sync[int32]
	leader int
	first  int
	last   int

	sampleFreq int32
	restore    int32

	// effective bounds of the current cycle
	min int32
	max int32

	levels    bool
	levelsMin int32
	levelsMax int32

	loads   []uint64
	loadSum uint64
	load    uint64

	throttles bool
	tempHigh  int32
	tempCrit  int32
	temp      int32
	hasTemp   bool
}

// Leader returns the index of the core controlling the group clock.
func (g *Group) Leader() int { return g.leader }

// Members returns the first and last core index of the group.
func (g *Group) Members() (first, last int) { return g.first, g.last }

// LoadSum returns the sum of the load window.
func (g *Group) LoadSum() uint64 { return g.loadSum }

// Loads returns the load window.
func (g *Group) Loads() []uint64 { return g.loads }

// Bounds returns the effective frequency bounds of the last cycle.
func (g *Group) Bounds() (lo, hi int32) { return g.min, g.max }

// Controller owns the core model and runs the sampling and frequency
// policy cycle. It is not safe for concurrent use.
type Controller struct {
	backend sysctl.Backend
	opts    config.Options

	cores  []Core
	groups []Group

	acline sysctl.Sysctl
	line   config.AcLine

	cpTimes *sysctl.Longs
	sample  int

	temperature bool

	out      io.Writer
	status   []byte
	rows     []Row
	observer Observer
}

// New discovers the cores and their clock domains and primes the load
// windows. Status lines are written to out in foreground mode.
func New(b sysctl.Backend, opts config.Options, out io.Writer) (*Controller, error) {
	c := &Controller{
		backend: b,
		opts:    opts,
		out:     out,
		line:    config.Unknown,
	}

	ncpu, err := c.ncpu()
	if err != nil {
		return nil, err
	}
	c.cores = make([]Core, ncpu)

	if c.acline, err = sysctl.Open(b, ACLine); err != nil {
		log.Warn().Err(err).Msg("cannot read AC line state, assuming unknown")
	}
	if err := c.discoverGroups(); err != nil {
		return nil, err
	}
	c.discoverLevels()
	c.discoverTemperature()
	if err := c.prime(); err != nil {
		return nil, err
	}
	c.rows = make([]Row, len(c.groups))
	c.status = make([]byte, 0, 128)
	return c, nil
}

func (c *Controller) ncpu() (int, error) {
	s, err := sysctl.Open(c.backend, NCPU)
	if err != nil {
		return 0, exitcode.Wrap(exitcode.ESYSCTL, err)
	}
	ncpu, err := sysctl.Get[int32](s)
	if err != nil {
		return 0, exitcode.Wrap(exitcode.ESYSCTL, err)
	}
	if ncpu < 1 {
		return 0, exitcode.Errorf(exitcode.ESYSCTL, "%s reports %d cores", NCPU, ncpu)
	}
	return int(ncpu), nil
}

// discoverGroups assigns every core to the group of the closest preceding
// core with a clock handle.
func (c *Controller) discoverGroups() error {
	for i := range c.cores {
		s, err := sysctl.Openf(c.backend, Freq, i)
		switch {
		case err == nil:
			c.groups = append(c.groups, Group{
				freq:   sysctl.NewSync[int32](s),
				leader: i,
				first:  i,
			})
		case !sysctl.IsNotExist(err):
			return exitcode.Wrap(exitcode.ESYSCTL, err)
		case len(c.groups) == 0:
			return exitcode.Errorf(exitcode.ENOFREQ, "at least the first CPU core must support frequency updates: %w", err)
		default:
			log.Debug().Int("core", i).Msg("no clock handle, sharing the clock of the previous core")
		}
		g := len(c.groups) - 1
		c.cores[i].group = g
		c.groups[g].last = i
	}
	log.Debug().Int("cores", len(c.cores)).Int("groups", len(c.groups)).Msg("discovered clock domains")
	return nil
}

func (c *Controller) discoverLevels() {
	for i := range c.groups {
		g := &c.groups[i]
		s, err := sysctl.Openf(c.backend, FreqLevels, g.leader)
		if err == nil {
			var levels string
			if levels, err = s.ReadString(); err == nil {
				g.levelsMin, g.levelsMax, g.levels = parseLevels(levels)
			}
		}
		if !g.levels {
			log.Warn().Err(err).Int("core", g.leader).
				Msg("no frequency levels, bounds not tightened and throttling disabled for this group")
			continue
		}
		log.Debug().Int("core", g.leader).Int32("min", g.levelsMin).Int32("max", g.levelsMax).Msg("frequency levels")
	}
}

// discoverTemperature opens the per core temperature handles and sets the
// thresholds. A group throttles if it has a step table and at least one
// member with both a temperature handle and thresholds.
func (c *Controller) discoverTemperature() {
	for i := range c.cores {
		core := &c.cores[i]
		temp, err := sysctl.Openf(c.backend, c.opts.TempFormat, i)
		if err != nil {
			continue
		}
		core.temp = temp
		if c.opts.TempCrit != 0 {
			core.tempHigh, core.tempCrit = c.opts.TempHigh, c.opts.TempCrit
			continue
		}
		for _, source := range critSources {
			crit := sysctl.Oncef[int32](c.backend, 0, source, i)
			if crit > config.HitempOffset {
				core.tempHigh, core.tempCrit = crit-config.HitempOffset, crit
				break
			}
		}
	}

	for i := range c.cores {
		core := &c.cores[i]
		g := &c.groups[core.group]
		if !core.temp.Valid() {
			continue
		}
		g.hasTemp = true
		if core.tempCrit == 0 || !g.levels {
			continue
		}
		if !g.throttles || core.tempCrit < g.tempCrit {
			g.tempCrit = core.tempCrit
		}
		if !g.throttles || core.tempHigh < g.tempHigh {
			g.tempHigh = core.tempHigh
		}
		g.throttles = true
	}

	for i := range c.groups {
		if c.groups[i].throttles {
			c.temperature = true
		}
	}
	if !c.temperature {
		log.Warn().Str("sysctl", c.opts.TempFormat).Msg("temperature throttling disabled")
	}
}

// prime reads the initial tick counters and clocks and fills every load
// window so the first cycles keep the current clock.
func (c *Controller) prime() error {
	s, err := sysctl.Open(c.backend, CPTimes)
	if err != nil {
		return exitcode.Wrap(exitcode.ESYSCTL, err)
	}
	c.cpTimes = sysctl.NewLongs(s, len(c.cores)*sysctl.CPUStates)
	n, err := c.cpTimes.Update()
	if err != nil && !sysctl.IsTruncated(err) {
		return exitcode.Wrap(exitcode.ESYSCTL, err)
	}
	if n < len(c.cpTimes.Values) {
		return exitcode.Errorf(exitcode.ESYSCTL, "%s holds %d cores, expected %d",
			CPTimes, n/sysctl.CPUStates, len(c.cores))
	}
	for i := range c.cores {
		core := &c.cores[i]
		copy(core.times[:], c.cpTimes.Values[i*sysctl.CPUStates:])
		core.prev = core.times
	}

	c.readLine()
	set := c.opts.Sets[c.line]
	for i := range c.groups {
		g := &c.groups[i]
		freq, err := g.freq.Get()
		if err != nil {
			return exitcode.Wrap(exitcode.ESYSCTL, err)
		}
		g.sampleFreq = freq
		g.loads = make([]uint64, c.opts.Samples)
		var load uint64
		if !set.Fixed() && freq > 0 {
			load = uint64(freq) * uint64(set.TargetLoad) / config.LoadScale
		}
		for j := range g.loads {
			g.loads[j] = load
		}
		g.loadSum = load * uint64(len(g.loads))
		g.bounds(&set)
	}
	return nil
}

// readLine updates the power line state, a failed read means unknown.
func (c *Controller) readLine() {
	c.line = config.Unknown
	if !c.acline.Valid() {
		return
	}
	v, err := sysctl.Get[int32](c.acline)
	if err != nil || v < 0 || v >= int32(config.Unknown) {
		return
	}
	c.line = config.AcLine(v)
}

// bounds intersects the step table extremes with the bounds of set.
func (g *Group) bounds(set *config.ACSet) {
	g.min, g.max = set.FreqMin, set.FreqMax
	if g.levels {
		g.min = max(g.min, g.levelsMin)
		g.max = min(g.max, g.levelsMax)
	}
	if g.min > g.max {
		g.min = g.max
	}
}

// Groups returns the discovered clock domains.
func (c *Controller) Groups() []Group { return c.groups }

// Line returns the power line state of the last cycle.
func (c *Controller) Line() config.AcLine { return c.line }

// Throttling reports whether temperature throttling is active.
func (c *Controller) Throttling() bool { return c.temperature }

// Observe registers o to receive the status rows of every cycle.
func (c *Controller) Observe(o Observer) { c.observer = o }

// Probe reads and writes back every group clock, so missing privileges
// surface before the daemon detaches. The clocks read are restored by
// Restore.
func (c *Controller) Probe() error {
	for i := range c.groups {
		g := &c.groups[i]
		freq, err := g.freq.Get()
		if err != nil {
			return exitcode.Wrap(exitcode.ESYSCTL, err)
		}
		if err := g.freq.Set(freq); err != nil {
			return writeError(err)
		}
		g.restore = freq
	}
	return nil
}

// Restore writes back the clocks recorded by Probe. All groups are
// attempted, the errors are joined.
func (c *Controller) Restore() error {
	var errs []error
	for i := range c.groups {
		g := &c.groups[i]
		if g.restore == 0 {
			continue
		}
		if err := g.freq.Set(g.restore); err != nil {
			log.Error().Err(err).Int("core", g.leader).Int32("freq", g.restore).Msg("cannot restore clock frequency")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeError(err error) error {
	if sysctl.IsPermission(err) {
		return exitcode.Wrap(exitcode.EFORBIDDEN, err)
	}
	return exitcode.Wrap(exitcode.ESYSCTL, err)
}
