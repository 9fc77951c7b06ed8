package main

import (
	"errors"
	"fmt"
	"log/syslog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"blackdark/powerd/internal/config"
	"blackdark/powerd/internal/daemon"
	"blackdark/powerd/internal/exitcode"
	"blackdark/powerd/internal/exporter"
	"blackdark/powerd/internal/governor"
)

func parseConfiguration() (config.Options, error) {
	envFile := ".env"
	if val, ok := os.LookupEnv("POWERD_ENV_FILE"); ok {
		envFile = val
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "powerd: ignoring %s: %v\n", envFile, err)
	}

	return config.Parse(os.Args[0], os.Args[1:], os.Stderr)
}

func setupLogging(opts config.Options) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if val, ok := os.LookupEnv("POWERD_LOG_LEVEL"); ok {
		if level, err := zerolog.ParseLevel(val); err == nil && level != zerolog.NoLevel {
			zerolog.SetGlobalLevel(level)
		}
	}

	if daemon.Detached() {
		if w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, "powerd"); err == nil {
			log.Logger = zerolog.New(zerolog.SyslogLevelWriter(w))
			return
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

// serveMetrics exposes the governor gauges, the returned observer feeds
// them.
func serveMetrics(addr string) governor.Observer {
	reg := prometheus.NewRegistry()
	observer := exporter.NewPowerdExporter(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
		}
	}()
	return observer
}

func main() {
	opts, err := parseConfiguration()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(int(exitcode.OK))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "powerd: %v\n", err)
		os.Exit(int(exitcode.Of(err)))
	}

	setupLogging(opts)
	log.Debug().Object("config", opts).Msg("configuration")

	// the parent of a detached daemon exits right away, the child serves
	env := daemon.Env{}
	if opts.MetricsAddr != "" && (opts.Foreground || daemon.Detached()) {
		env.Observer = serveMetrics(opts.MetricsAddr)
	}

	if err := daemon.Run(opts, env); err != nil {
		log.Error().Err(err).Stringer("code", exitcode.Of(err)).Msg("powerd failed")
		os.Exit(int(exitcode.Of(err)))
	}
}
