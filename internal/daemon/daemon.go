// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/skylink/internal/command"
	"firestige.xyz/skylink/internal/config"
	logpkg "firestige.xyz/skylink/internal/log"
	"firestige.xyz/skylink/internal/metrics"
	"firestige.xyz/skylink/internal/source"
	"firestige.xyz/skylink/internal/uplink"
)

// Daemon manages the skylink daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	link          *Link
	sources       []source.Source
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	uplink        *uplink.TCPLink              // nil if uplink disabled
	consumer      *uplink.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server              // nil if metrics disabled
	logCloser     io.Closer

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	workers      sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads the configuration and creates a Daemon. Empty socketPath and pidFile
// fall back to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting skylink daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Assemble and start the downlink pipeline
	if err := d.startLink(); err != nil {
		return err
	}

	// 5. Command handler
	d.cmdHandler = command.NewCommandHandler(d.link.Pipeline)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})
	for _, src := range d.sources {
		if ss, ok := src.(command.SyncSource); ok {
			d.cmdHandler.AddSyncSource(ss)
		}
	}

	// 6. Uplink and its Kafka command channel
	if d.config.Uplink.Enabled {
		if err := d.startUplink(); err != nil {
			return fmt.Errorf("failed to start uplink: %w", err)
		}
	}

	// 7. Frame sources
	d.startSources()

	// 8. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully",
		"link", d.config.Link.Name,
		"sources", len(d.sources),
		"processors", len(d.config.Processors),
	)
	return nil
}

func (d *Daemon) startLink() error {
	sources, err := BuildSources(d.config)
	if err != nil {
		return fmt.Errorf("failed to create sources: %w", err)
	}
	reporters, fallback, err := BuildReporters(d.config.Reporters)
	if err != nil {
		return fmt.Errorf("failed to create reporters: %w", err)
	}
	link, err := BuildLink(d.config, reporters, fallback)
	if err != nil {
		return fmt.Errorf("failed to build link: %w", err)
	}
	if err := link.Pipeline.Start(d.ctx); err != nil {
		link.Close()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	d.link = link
	d.sources = sources
	return nil
}

// startSources runs every source into the pipeline. An offline source that is
// exhausted leaves the daemon running.
func (d *Daemon) startSources() {
	for _, src := range d.sources {
		d.workers.Add(1)
		go func(src source.Source) {
			defer d.workers.Done()
			if err := d.link.Pipeline.Run(d.ctx, src); err != nil {
				slog.Error("source stopped with error", "source", src.Name(), "error", err)
			}
		}(src)
	}
}

func (d *Daemon) startUplink() error {
	enc, link, err := BuildUplink(d.config)
	if err != nil {
		return err
	}
	d.uplink = link
	d.cmdHandler.SetUplink(enc, link)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		if err := link.Run(d.ctx); err != nil {
			slog.Error("uplink stopped with error", "error", err)
		}
	}()

	if !d.config.Uplink.Commands.Enabled {
		return nil
	}
	consumer, err := uplink.NewKafkaCommandConsumer(d.config.Uplink.Commands, d.config.Node.Hostname, enc, link)
	if err != nil {
		// Non-fatal: commands can still be sent over the control socket
		slog.Error("failed to create uplink command consumer", "error", err)
		return nil
	}
	d.consumer = consumer
	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uplink command consumer stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the command consumer first (no new commands)
	if d.consumer != nil {
		slog.Info("stopping uplink command consumer")
		if err := d.consumer.Stop(); err != nil {
			slog.Error("error stopping uplink command consumer", "error", err)
		}
	}

	// 2. Cancel context: sources, uplink and UDS server stop accepting
	d.cancel()
	d.workers.Wait()

	// 3. Drain the pipeline, flush reporters, close the archive
	if d.link != nil {
		slog.Info("stopping link")
		if err := d.link.Close(); err != nil {
			slog.Error("error stopping link", "error", err)
		}
	}

	// 4. Stop UDS server
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 5. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 6. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 8. Release the log file
	if d.logCloser != nil {
		d.logCloser.Close()
	}
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon.shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): link, processors, sources, reporters, archive, uplink,
// metrics listen address.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	oldConfig := d.config
	if !reflect.DeepEqual(newConfig.Log, oldConfig.Log) {
		prevCloser := d.logCloser
		d.config = newConfig
		if err := d.initLogging(); err != nil {
			d.config = oldConfig
			return fmt.Errorf("failed to reinitialize logging: %w", err)
		}
		if prevCloser != nil {
			prevCloser.Close()
		}
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	cold := []struct {
		name     string
		old, new any
	}{
		{"link", oldConfig.Link, newConfig.Link},
		{"processors", oldConfig.Processors, newConfig.Processors},
		{"sources", oldConfig.Sources, newConfig.Sources},
		{"reporters", oldConfig.Reporters, newConfig.Reporters},
		{"archive", oldConfig.Archive, newConfig.Archive},
		{"dictionary", oldConfig.Dictionary, newConfig.Dictionary},
		{"uplink", oldConfig.Uplink, newConfig.Uplink},
		{"metrics", oldConfig.Metrics, newConfig.Metrics},
		{"node.hostname", oldConfig.Node.Hostname, newConfig.Node.Hostname},
	}
	for _, c := range cold {
		if !reflect.DeepEqual(c.old, c.new) {
			requiresRestart = append(requiresRestart, c.name)
		}
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	closer, err := logpkg.Init(d.config.Log, "node", d.config.Node.Hostname)
	if err != nil {
		return err
	}
	d.logCloser = closer

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// health fails once shutdown has begun.
func (d *Daemon) health() error {
	if d.ctx.Err() != nil {
		return errors.New("shutting down")
	}
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.health)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	// Leave a file written by another instance alone.
	if pid, err := ReadPIDFile(d.pidFile); err != nil || pid != os.Getpid() {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
