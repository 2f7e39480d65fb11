// Command memwatcher samples host health on a fixed interval and exports
// each sample to the configured sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/memwatcher/internal/config"
	"github.com/HerbHall/memwatcher/internal/controlsystem"
	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/host"
	"github.com/HerbHall/memwatcher/internal/logging"
	"github.com/HerbHall/memwatcher/internal/sampler"
	"github.com/HerbHall/memwatcher/internal/server"
	"github.com/HerbHall/memwatcher/internal/version"
	"github.com/HerbHall/memwatcher/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memwatcher: %v\n", err)
		return 1
	}
	settings, err := cfg.Settings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memwatcher: invalid configuration:\n%v\n", err)
		return 1
	}

	if *printConfig {
		out, err := settings.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "memwatcher: %v\n", err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	logger, logFile, err := logging.New(settings.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memwatcher: %v\n", err)
		return 1
	}
	defer logFile.Close()
	defer logger.Sync()

	if used := cfg.ConfigFileUsed(); used != "" {
		logger.Info("loaded configuration", zap.String("file", used))
	}

	if err := serve(settings, logger); err != nil {
		logger.Error("memwatcher exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func serve(settings config.Settings, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	schema, err := settings.Schema()
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	smp := sampler.New(schema, host.NewSystemSource(fs, logger.Named("host")), logger.Named("sampler"))

	sinks, err := buildSinks(settings, schema, fs, reg, os.Stdout, logger)
	if err != nil {
		return err
	}
	exp := export.New(logger.Named("export"), sinks...)
	agent := watcher.NewAgent(settings.Interval, smp, exp, logger.Named("watcher"), watcher.WithRegisterer(reg))

	logger.Info("memwatcher starting",
		zap.String("version", version.Short()),
		zap.String("schema", schema.Name),
		zap.Duration("interval", agent.Interval()),
		zap.Strings("sinks", exp.Sinks()),
	)

	events := controlsystem.NewSignalHost(logger.Named("signals"))
	ctrl := controlsystem.New(events, agent, logger.Named("control"),
		controlsystem.WithPreparer(exp),
		controlsystem.WithCloser(exp),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })

	if err := ctrl.OnStart(gctx); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	var srv *server.Server
	if settings.HTTP.Enabled {
		srv = server.New(settings.HTTP.Addr, agent, reg, logger.Named("http"))
		g.Go(srv.Start)
	}

	g.Go(func() error {
		select {
		case <-ctrl.Done():
		case <-gctx.Done():
			ctrl.OnStop()
		}
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}
		cancel()
		return nil
	})

	err = g.Wait()
	logger.Info("memwatcher stopped", zap.Uint64("iterations", agent.Iteration()))
	return err
}
