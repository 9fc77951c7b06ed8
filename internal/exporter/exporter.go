package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/governor"
)

// PowerdExporter mirrors the governor status rows as gauges, one series
// per core group labelled with the index of its leading core.
type PowerdExporter struct {
	load        *prometheus.GaugeVec
	freq        *prometheus.GaugeVec
	wanted      *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	line        *prometheus.GaugeVec
	cycles      prometheus.Counter

	groups map[int]*groupGauges
	lines  []lineGauge
}

// groupGauges are the series of one core group, resolved once.
type groupGauges struct {
	core    string
	load    prometheus.Gauge
	freq    prometheus.Gauge
	wanted  prometheus.Gauge
	temp    prometheus.Gauge
	hasTemp bool
}

type lineGauge struct {
	name  string
	gauge prometheus.Gauge
}

func NewPowerdExporter(reg prometheus.Registerer) *PowerdExporter {
	labelsGroup := []string{"core"}

	exporter := &PowerdExporter{
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerd_group_load_mhz",
			Help: "Averaged load of the core group in equivalent MHz",
		}, labelsGroup),
		freq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerd_group_freq_mhz",
			Help: "Clock frequency of the core group sampled this cycle",
		}, labelsGroup),
		wanted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerd_group_wanted_mhz",
			Help: "Clock frequency requested by the load before bounds and throttling apply",
		}, labelsGroup),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerd_group_temperature_celsius",
			Help: "Temperature of the hottest core in the group",
		}, labelsGroup),
		line: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerd_power_line",
			Help: "1 for the current power line state",
		}, []string{"line"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powerd_cycles_total",
			Help: "Completed governor cycles",
		}),
	}
	exporter.register(reg)

	exporter.groups = map[int]*groupGauges{}
	for line := range config.AcLines {
		exporter.lines = append(exporter.lines, lineGauge{
			name:  line.String(),
			gauge: exporter.line.WithLabelValues(line.String()),
		})
	}

	return exporter
}

func (e *PowerdExporter) register(reg prometheus.Registerer) {
	reg.MustRegister(
		e.load,
		e.freq,
		e.wanted,
		e.temperature,
		e.line,
		e.cycles,
	)
}

func (e *PowerdExporter) group(leader int) (*groupGauges, error) {
	if g, ok := e.groups[leader]; ok {
		return g, nil
	}
	g := &groupGauges{core: strconv.Itoa(leader)}
	var err error
	if g.load, err = e.load.GetMetricWithLabelValues(g.core); err != nil {
		return nil, err
	}
	if g.freq, err = e.freq.GetMetricWithLabelValues(g.core); err != nil {
		return nil, err
	}
	if g.wanted, err = e.wanted.GetMetricWithLabelValues(g.core); err != nil {
		return nil, err
	}
	e.groups[leader] = g
	return g, nil
}

// Observe publishes the rows of one governor cycle. Series are resolved
// the first time a group is seen, later cycles only set values.
func (e *PowerdExporter) Observe(rows []governor.Row) {
	for i := range e.lines {
		e.lines[i].gauge.Set(0)
	}
	for _, row := range rows {
		g, err := e.group(row.Leader)
		if err != nil {
			log.Error().Err(err).Int("core", row.Leader).Msg("cannot export group")
			continue
		}
		g.load.Set(float64(row.Load))
		g.freq.Set(float64(row.Freq))
		g.wanted.Set(float64(row.Wanted))

		switch {
		case row.HasTemp && !g.hasTemp:
			if g.temp, err = e.temperature.GetMetricWithLabelValues(g.core); err != nil {
				log.Error().Err(err).Int("core", row.Leader).Msg("cannot export temperature")
				break
			}
			g.hasTemp = true
		case !row.HasTemp && g.hasTemp:
			e.temperature.DeleteLabelValues(g.core)
			g.temp, g.hasTemp = nil, false
		}
		if g.hasTemp {
			g.temp.Set(float64(config.Celsius(row.Temp)))
		}

		for i := range e.lines {
			if e.lines[i].name == row.Line {
				e.lines[i].gauge.Set(1)
			}
		}
	}
	e.cycles.Inc()
}
