package governor

import (
	"strconv"

	"github.com/rs/zerolog/log"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/exitcode"
	"blackdark/powerd/internal/sysctl"
)

// policy selects the behaviour of a cycle.
type policy uint8

const (
	foreground policy = 1 << iota
	temperature
	fixed
)

func (c *Controller) policy() policy {
	var p policy
	if c.opts.Foreground {
		p |= foreground
	}
	if c.temperature {
		p |= temperature
	}
	if c.opts.Sets[c.line].Fixed() {
		p |= fixed
	}
	return p
}

// Update runs one cycle: read the power line, sample load and temperature
// and set the group clocks.
func (c *Controller) Update() error {
	c.readLine()
	if err := c.sampleLoad(); err != nil {
		return err
	}
	if c.temperature {
		c.sampleTemperature()
	}
	return c.update(c.policy())
}

// coreLoad converts the tick deltas of one core into equivalent MHz of
// the clock freq.
func coreLoad(freq, idle, all uint64) uint64 {
	if all == 0 {
		return 0
	}
	idle = min(idle, all)
	return freq - freq*idle/all
}

func (c *Controller) sampleLoad() error {
	n, err := c.cpTimes.Update()
	if err != nil && !sysctl.IsTruncated(err) {
		return exitcode.Wrap(exitcode.ESYSCTL, err)
	}
	fresh := n >= len(c.cpTimes.Values)
	if !fresh {
		log.Debug().Int("cores", n/sysctl.CPUStates).Int("expected", len(c.cores)).
			Msg("kern.cp_times does not match the core count, skipping sample")
	}

	for i := range c.groups {
		g := &c.groups[i]
		freq, err := g.freq.Get()
		if err != nil {
			return exitcode.Wrap(exitcode.ESYSCTL, err)
		}
		g.sampleFreq = freq
		g.load = 0
	}
	if !fresh {
		return nil
	}

	values := c.cpTimes.Values
	for i := range c.cores {
		core := &c.cores[i]
		g := &c.groups[core.group]
		var all uint64
		for s := range core.times {
			core.times[s] = values[i*sysctl.CPUStates+s]
			all += core.times[s] - core.prev[s]
		}
		idle := core.times[sysctl.CPIdle] - core.prev[sysctl.CPIdle]
		core.prev = core.times
		if all == 0 {
			continue
		}
		g.load = max(g.load, coreLoad(uint64(max(g.sampleFreq, 0)), idle, all))
	}

	for i := range c.groups {
		g := &c.groups[i]
		g.loadSum -= g.loads[c.sample]
		g.loads[c.sample] = g.load
		g.loadSum += g.load
	}
	c.sample = (c.sample + 1) % c.opts.Samples
	return nil
}

// sampleTemperature records the hottest member of every group. A failed
// read turns throttling off for good.
func (c *Controller) sampleTemperature() {
	for i := range c.groups {
		c.groups[i].temp = 0
	}
	for i := range c.cores {
		core := &c.cores[i]
		if !core.temp.Valid() {
			continue
		}
		temp, err := sysctl.Get[int32](core.temp)
		if err != nil {
			log.Warn().Err(err).Int("core", i).Msg("cannot read temperature, throttling disabled")
			c.temperature = false
			return
		}
		g := &c.groups[core.group]
		g.temp = max(g.temp, temp)
	}
}

// throttle lowers the clock ceiling linearly from max at the high
// temperature to min at the critical temperature.
func (g *Group) throttle(freq int32) int32 {
	switch {
	case g.temp >= g.tempCrit:
		return g.min
	case g.temp > g.tempHigh:
		span := int64(g.max - g.min)
		ceiling := int64(g.max) - span*int64(g.temp-g.tempHigh)/int64(g.tempCrit-g.tempHigh)
		return max(min(freq, int32(ceiling)), g.min)
	}
	return freq
}

func (c *Controller) update(p policy) error {
	set := &c.opts.Sets[c.line]
	line := c.line.String()
	for i := range c.groups {
		g := &c.groups[i]
		g.bounds(set)

		var wanted int32
		if p&fixed != 0 {
			wanted = set.TargetFreq
		} else {
			wanted = int32(g.loadSum * config.LoadScale / (uint64(len(g.loads)) * uint64(set.TargetLoad)))
		}
		freq := min(max(wanted, g.min), g.max)
		if p&temperature != 0 && g.throttles {
			freq = g.throttle(freq)
		}

		if freq != g.sampleFreq {
			if err := g.freq.Set(freq); err != nil {
				return writeError(err)
			}
		}

		c.rows[i] = Row{
			Line:    line,
			Leader:  g.leader,
			Load:    int32(g.loadSum / uint64(len(g.loads))),
			Freq:    g.sampleFreq,
			Wanted:  wanted,
			Temp:    g.temp,
			HasTemp: p&temperature != 0 && g.hasTemp,
		}
		if p&foreground != 0 {
			c.printStatus(&c.rows[i])
		}
	}
	if c.observer != nil {
		c.observer.Observe(c.rows)
	}
	return nil
}

// printStatus writes the status line of a group to the foreground output.
func (c *Controller) printStatus(r *Row) {
	b := append(c.status[:0], "power: "...)
	b = append(b, r.Line...)
	b = append(b, ", load: "...)
	b = strconv.AppendInt(b, int64(r.Load), 10)
	b = append(b, " MHz, "...)
	if r.HasTemp {
		b = strconv.AppendInt(b, int64(config.Celsius(r.Temp)), 10)
		b = append(b, " °C, "...)
	}
	b = append(b, "cpu."...)
	b = strconv.AppendInt(b, int64(r.Leader), 10)
	b = append(b, ".freq: "...)
	b = strconv.AppendInt(b, int64(r.Freq), 10)
	b = append(b, " MHz, wanted: "...)
	b = strconv.AppendInt(b, int64(r.Wanted), 10)
	b = append(b, " MHz\n"...)
	c.status = b
	if _, err := c.out.Write(b); err != nil {
		log.Debug().Err(err).Msg("cannot write status line")
	}
}
