// Command poseidon runs the endpoint lifecycle engine: it polls the
// configured SDN controller, reconciles observations against the
// endpoint registry, enforces the investigation budget, and consumes
// operator/ML-pipeline commands from the bus. Flag and logger setup
// follow the teacher's `cmd/operator/main.go`.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iqtlabs/poseidon/internal/bus"
	"github.com/iqtlabs/poseidon/internal/config"
	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/daemon"
	"github.com/iqtlabs/poseidon/internal/dispatcher"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/enrich"
	"github.com/iqtlabs/poseidon/internal/metrics"
	"github.com/iqtlabs/poseidon/internal/reconciler"
	"github.com/iqtlabs/poseidon/internal/registry"
	"github.com/iqtlabs/poseidon/internal/scheduler"
	"github.com/iqtlabs/poseidon/internal/storage"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var validLogLevels = []string{logLevelDebug, logLevelInfo, logLevelWarn, logLevelError}

func main() {
	path := configFilePath()
	cfg, err := config.LoadFile(config.Defaults(), path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config file failed: %s\n", err)
		os.Exit(2)
	}
	kingpin.Flag("config", "Path to the poseidon YAML config file.").Default(path).String()
	config.RegisterFlags(kingpin.CommandLine, &cfg)
	kingpin.Parse()

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger failed: %s\n", err)
		os.Exit(2)
	}

	m := metrics.New()

	trunks := make([]registry.TrunkPort, 0, len(cfg.TrunkPorts))
	for _, t := range cfg.TrunkPorts {
		trunks = append(trunks, registry.TrunkPort{Segment: t.Segment, MAC: t.MAC, Port: t.Port})
	}
	reg := registry.New(trunks)

	ctl := controller.New(controller.Descriptor{
		Type:                          controller.Type(cfg.ControllerType),
		URI:                           cfg.ControllerURI,
		Credentials:                   cfg.ControllerPass,
		ConfigFile:                    cfg.ControllerConfigFile,
		RulesFile:                     cfg.RulesFile,
		ScanFrequencySeconds:          int(cfg.ScanFrequency.Seconds()),
		ReinvestigationFrequencySec:   int(cfg.ReinvestigationFrequency.Seconds()),
		MaxConcurrentReinvestigations: cfg.MaxConcurrentReinvestigations,
		AutomatedACLs:                 cfg.AutomatedACLs,
	})

	store, err := storage.Dial(cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		level.Error(logger).Log("msg", "connecting to persistence store failed, continuing with an empty registry", "err", err)
	} else {
		loaded, err := store.LoadEndpoints(context.Background(), time.Now())
		if err != nil {
			level.Warn(logger).Log("msg", "loading endpoints from persistence failed, continuing with an empty registry", "err", err)
		}
		for _, e := range loaded {
			reg.Insert(e)
		}
		level.Info(logger).Log("msg", "restored endpoints from persistence", "count", len(loaded))
		restoreMetadata(context.Background(), store, loaded, logger)
	}

	enricher := enrich.New(nil, cfg.PrefixLengthV4, cfg.PrefixLengthV6)

	recon := reconciler.New(reg, ctl, enricher, logger, time.Now, cfg.AutomatedACLs, cfg.RulesFile,
		reconciler.WithMetricsHooks(m.IncIllegalTransition, m.ObserveMirror, m.ObserveUnmirror, m.ObserveACL))

	sched := scheduler.New(reg, ctl, logger, time.Now, cfg.MaxConcurrentReinvestigations, cfg.ReinvestigationFrequency,
		scheduler.WithMetricsHook(m.ObserveMirror))

	disp := dispatcher.New(reg, ctl, enricher, logger, time.Now,
		dispatcher.WithPushEventKey(cfg.FARabbitRoutingKey),
		dispatcher.WithMalformedHook(func() {}),
		dispatcher.WithUnmirrorHook(m.ObserveUnmirror),
		dispatcher.WithRulesFile(cfg.RulesFile))

	var busClient *bus.Bus
	if cfg.RabbitServer != "" {
		uri := fmt.Sprintf("amqp://%s:%d/", cfg.RabbitServer, cfg.RabbitPort)
		pushCfg := bus.PushEventConfig{
			Enabled:    cfg.FARabbitEnabled,
			URI:        fmt.Sprintf("amqp://%s:%d/", cfg.FARabbitHost, cfg.FARabbitPort),
			Exchange:   cfg.FARabbitExchange,
			RoutingKey: cfg.FARabbitRoutingKey,
		}
		busClient, err = bus.Dial(bus.Config{URI: uri, QueueSize: 1024, PushEvent: pushCfg}, logger, m.IncEventQueueDropped)
		if err != nil {
			level.Error(logger).Log("msg", "connecting to bus failed, operating without event consumption", "err", err)
		}
	}

	var persister daemon.Persister
	if store != nil {
		persister = store
	}

	d := &daemon.Daemon{
		Logger:                        logger,
		Registry:                      reg,
		Ctl:                           ctl,
		Reconciler:                    recon,
		Scheduler:                     sched,
		Dispatcher:                    disp,
		Bus:                           busClient,
		Metrics:                       m,
		Store:                         persister,
		ScanFrequency:                 cfg.ScanFrequency,
		ReinvestigationFrequency:      cfg.ReinvestigationFrequency,
		MaxConcurrentReinvestigations: cfg.MaxConcurrentReinvestigations,
		NetworkFullURL:                cfg.NetworkFullURL,
		HTTPClient:                    &http.Client{Timeout: 10 * time.Second},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}
	}()

	if err := d.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "daemon exited with error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	if store != nil {
		store.Close()
	}
}

// configFilePath resolves the config file path from argv or the
// CONFIG_FILE environment variable before kingpin's own flag pass runs,
// since the resolved file's contents become the default value for
// every other flag.
func configFilePath() string {
	for i, a := range os.Args[1:] {
		switch {
		case a == "--config" && i+2 < len(os.Args):
			return os.Args[i+2]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		return v
	}
	return "/etc/poseidon/poseidon.yaml"
}

// restoreMetadata loads the cached per-MAC/per-IP ML metadata for every
// restored endpoint and attaches each endpoint's own slice of it, per
// spec.md §4.6's "metadata cache ... read from Persistence".
func restoreMetadata(ctx context.Context, store *storage.Adapter, loaded []*endpoint.Endpoint, logger log.Logger) {
	if len(loaded) == 0 {
		return
	}
	var macs, ips []string
	for _, e := range loaded {
		obs := e.Observation()
		if obs.MAC != "" && obs.MAC != endpoint.NoData {
			macs = append(macs, obs.MAC)
		}
		for _, ip := range []string{obs.IPv4, obs.IPv6} {
			if ip != "" && ip != endpoint.NoData {
				ips = append(ips, ip)
			}
		}
	}
	if len(macs) == 0 && len(ips) == 0 {
		return
	}

	cache, err := store.LoadMetadata(ctx, macs, ips)
	if err != nil {
		level.Warn(logger).Log("msg", "loading ML metadata cache failed", "err", err)
		return
	}
	for _, e := range loaded {
		e.SetMetadata(filterMetadata(cache, e.Observation()))
	}
}

// filterMetadata narrows a combined metadata cache (keyed across every
// restored endpoint's MAC/IPs) down to the entries owned by one obs.
func filterMetadata(cache endpoint.MetadataCache, obs endpoint.Observation) endpoint.MetadataCache {
	out := endpoint.MetadataCache{
		MACSamples: map[string]map[string]endpoint.MLSample{},
		IPv4OS:     map[string]string{},
		IPv6OS:     map[string]string{},
	}
	if samples, ok := cache.MACSamples[obs.MAC]; ok {
		out.MACSamples[obs.MAC] = samples
	}
	if os, ok := cache.IPv4OS[obs.IPv4]; ok {
		out.IPv4OS[obs.IPv4] = os
	}
	if os, ok := cache.IPv6OS[obs.IPv6]; ok {
		out.IPv6OS[obs.IPv6] = os
	}
	return out
}

func setupLogger(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	switch lvl {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, errors.Errorf("log level %q unknown, must be one of (%s)", lvl, strings.Join(validLogLevels, ", "))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	return logger, nil
}
