package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prio-governor/internal/actuator"
	"prio-governor/internal/api"
	"prio-governor/internal/config"
	"prio-governor/internal/database"
	"prio-governor/internal/governor"
	"prio-governor/internal/host"
	"prio-governor/internal/logging"
	"prio-governor/internal/metrics"
	"prio-governor/internal/rules"
	"prio-governor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the governor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(settings.GetString(flagConfig))
		},
	}
	runCmd.Flags().Bool(flagDryRun, false, "Log parameter changes instead of applying them")
	runCmd.Flags().String(flagListen, "", "Override the API listen address")
	bindFlagSet(runCmd.Flags())
	return runCmd
}

// prepareHost probes the kernel and returns the actuator settings it can
// support. cfg is left untouched so reloads and checksums see the file as
// written.
func prepareHost(ctx context.Context, cfg *config.Config) (*host.HostConfig, config.ActuatorConfig) {
	logger := logging.GetLogger()
	paths := host.DefaultPaths()
	if cfg.Telemetry.ProcRoot != "" {
		paths.ProcRoot = cfg.Telemetry.ProcRoot
	}
	if cfg.Actuator.CgroupRoot != "" {
		paths.CgroupRoot = cfg.Actuator.CgroupRoot
	}
	hc := host.Probe(ctx, paths)
	logger.WithFields(hc.LogFields()).Info("Host probed")

	if !hc.PSI {
		logger.WithField("error", hc.PSIError).Warn("Pressure stall information unavailable, every iteration will be skipped")
	}
	return hc, hostActuator(hc, cfg.Actuator)
}

// hostActuator switches off the actuator features hc cannot support.
func hostActuator(hc *host.HostConfig, ac config.ActuatorConfig) config.ActuatorConfig {
	logger := logging.GetLogger()
	if ac.CgroupWeight && !hc.HasController("cpu") {
		logger.Warn("cgroup v2 cpu controller not available, disabling cpu.weight")
		ac.CgroupWeight = false
	}
	if ac.RDT.Enabled && !hc.RDT {
		logger.Warn("resctrl not mounted, disabling RDT class assignment")
		ac.RDT.Enabled = false
	}
	return ac
}

// newSource builds the telemetry collector with its optional enrichers.
func newSource(ctx context.Context, cfg *config.Config) (*telemetry.Collector, error) {
	logger := logging.GetLogger()
	opts := telemetry.CollectorOptions{
		ProcRoot:      cfg.Telemetry.ProcRoot,
		CollectEnv:    cfg.Telemetry.CollectEnv,
		KernelThreads: cfg.Telemetry.KernelThreads,
		Timeout:       cfg.Telemetry.CollectTimeout,
	}
	if cfg.Telemetry.HintsFile != "" {
		opts.Hints = telemetry.NewHintsFile(cfg.Telemetry.HintsFile)
	}
	if cfg.Telemetry.Docker {
		resolver, err := telemetry.NewDockerResolver(ctx, cfg.Telemetry.DockerRefresh)
		if err != nil {
			logger.WithError(err).Warn("Docker enrichment disabled")
		} else {
			opts.Containers = resolver
		}
	}
	return telemetry.NewCollector(opts)
}

func runDaemon(configPath string) error {
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, rs, err := loadAll(configPath)
	if err != nil {
		return err
	}
	applyLogSettings(cfg)
	apiCfg := cfg.API
	if listen := settings.GetString(flagListen); listen != "" {
		apiCfg.Enabled = true
		apiCfg.Listen = listen
	}
	logger.WithFields(cfg.LogFields()).WithField("rules", rs.Len()).Info("Configuration loaded")

	hc, actCfg := prepareHost(ctx, cfg)
	if settings.GetBool(flagDryRun) {
		actCfg.Mode = "dry-run"
	}

	source, err := newSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create telemetry collector: %w", err)
	}
	act, err := actuator.New(actCfg)
	if err != nil {
		return fmt.Errorf("failed to create actuator: %w", err)
	}
	defer act.Close()

	var influx *database.InfluxDBClient
	var writer database.PointWriter
	if cfg.Sink.Influx.Enabled {
		influx, err = database.NewInfluxDBClient(cfg.Sink.Influx)
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, points will be spooled on shutdown")
		} else {
			writer = influx
			defer influx.Close()
		}
	}
	sink := database.NewSink(writer, hc.Hostname, cfg.Sink.SpoolDir, cfg.Sink.BufferSize)

	gov, err := governor.New(governor.Options{
		Config:   cfg,
		Rules:    rs,
		Source:   source,
		Actuator: act,
		Loader:   reloader(configPath),
		Sink:     sink,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Rules.Watch {
		watcher, err := rules.NewWatcher(watchPaths(cfg), cfg.Rules.WatchDebounce)
		if err != nil {
			logger.WithError(err).Warn("Rule watcher disabled")
		} else {
			wg.Add(2)
			go func() {
				defer wg.Done()
				watcher.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				forwardReloads(ctx, watcher.Requests(), gov)
			}()
		}
	}

	var server *api.Server
	if apiCfg.Enabled {
		server = api.New(apiCfg, gov, hc, metrics.NewRegistry(gov))
		server.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					gov.RequestReload("signal")
					continue
				}
				logger.WithField("signal", sig.String()).Info("Received interrupt signal, shutting down")
				cancel()
				return
			}
		}
	}()

	runErr := gov.Run(ctx)
	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API shutdown incomplete")
		}
	}
	if _, err := sink.Close(); err != nil {
		logger.WithError(err).Error("Failed to flush metrics sink")
	}

	st := gov.Stats()
	logger.WithFields(logrus.Fields{
		"iterations": st.Iterations,
		"failed":     st.Failed,
		"applied":    st.AdjustmentsApplied,
	}).Info("Governor exited")
	return runErr
}

type reloadRequester interface {
	RequestReload(reason string) bool
}

// forwardReloads turns watcher events into queued reloads.
func forwardReloads(ctx context.Context, requests <-chan struct{}, gov reloadRequester) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
			if gov.RequestReload("file change") {
				logging.GetLogger().Debug("Reload queued after file change")
			}
		}
	}
}
