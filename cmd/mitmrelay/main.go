package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/mitmrelay/config"
	"github.com/cyberinferno/mitmrelay/logger"
	"github.com/cyberinferno/mitmrelay/metrics"
	"github.com/cyberinferno/mitmrelay/relay"
)

const version = "0.1.0"

type flags struct {
	ConfigFile      string
	Listen          string
	Target          string
	CaptureDir      string
	Backlog         int
	ReadBufferSize  int
	DialTimeout     time.Duration
	ResolveCacheTTL time.Duration
	MetricsAddr     string
	LogLevel        string
	LogFormat       string
	LogFile         string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	f := new(flags)
	def := config.Default()

	command := &cobra.Command{
		Use:          "mitmrelay",
		Short:        "TCP relay that records both directions of every connection",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}

			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)

			return run(cfg, signals)
		},
	}

	bindFlags(command, f, def)
	return command
}

func bindFlags(command *cobra.Command, f *flags, def config.Config) {
	fl := command.Flags()
	fl.StringVarP(&f.ConfigFile, "config", "c", "", "Use a YAML configuration file.")
	fl.StringVarP(&f.Listen, "listen", "l", def.Listen, "Address to accept clients on.")
	fl.StringVarP(&f.Target, "target", "t", def.Target, "Address every connection is relayed to.")
	fl.StringVarP(&f.CaptureDir, "capture-dir", "d", def.CaptureDir, "Directory for record files.")
	fl.IntVar(&f.Backlog, "backlog", def.Backlog, "Pending-connection queue size.")
	fl.IntVar(&f.ReadBufferSize, "buffer", def.ReadBufferSize, "Maximum chunk size in bytes.")
	fl.DurationVar(&f.DialTimeout, "dial-timeout", def.DialTimeout, "Target connect timeout, 0 for none.")
	fl.DurationVar(&f.ResolveCacheTTL, "resolve-cache-ttl", def.ResolveCacheTTL, "Reuse target name lookups for this long, 0 to disable.")
	fl.StringVar(&f.MetricsAddr, "metrics", def.MetricsAddr, "Serve /metrics and /healthz on this address.")
	fl.StringVar(&f.LogLevel, "log-level", def.Log.Level, "Log level.")
	fl.StringVar(&f.LogFormat, "log-format", def.Log.Format, "Log format, console or json.")
	fl.StringVar(&f.LogFile, "log-file", def.Log.File, "Also append logs to this file.")
}

// loadConfig reads the configuration file, if any, and applies the flags the
// user set explicitly on top of it.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(f.ConfigFile); err != nil {
			return cfg, err
		}
	}

	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Listen = f.Listen
	}
	if fl.Changed("target") {
		cfg.Target = f.Target
	}
	if fl.Changed("capture-dir") {
		cfg.CaptureDir = f.CaptureDir
	}
	if fl.Changed("backlog") {
		cfg.Backlog = f.Backlog
	}
	if fl.Changed("buffer") {
		cfg.ReadBufferSize = f.ReadBufferSize
	}
	if fl.Changed("dial-timeout") {
		cfg.DialTimeout = f.DialTimeout
	}
	if fl.Changed("resolve-cache-ttl") {
		cfg.ResolveCacheTTL = f.ResolveCacheTTL
	}
	if fl.Changed("metrics") {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if fl.Changed("log-format") {
		cfg.Log.Format = f.LogFormat
	}
	if fl.Changed("log-file") {
		cfg.Log.File = f.LogFile
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// run relays until the first signal, then waits for open sessions to finish.
// A second signal closes them.
func run(cfg config.Config, signals <-chan os.Signal) error {
	log, err := logger.New(logger.Options{
		Service: "mitmrelay",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}

		go func() { _ = metrics.Serve(ctx, ln, log) }()
	}

	srv := relay.NewServer(cfg, relay.OptionsFromConfig(cfg, log), log)
	if err := srv.Start(); err != nil {
		return err
	}

	log.Info("listening",
		logger.Field{Key: "listen", Value: srv.ListenAddr().String()},
		logger.Field{Key: "target", Value: cfg.Target},
		logger.Field{Key: "capture_dir", Value: cfg.CaptureDir})

	select {
	case sig := <-signals:
		log.Info("shutting down",
			logger.Field{Key: "signal", Value: sig.String()},
			logger.Field{Key: "sessions", Value: srv.SessionCount()})
		srv.Stop()
	case <-srv.Done():
		srv.CloseSessions()
		srv.Wait()
		return srv.Err()
	}

	drained := make(chan struct{})
	go func() {
		srv.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-signals:
		log.Warn("closing open sessions", logger.Field{Key: "sessions", Value: srv.SessionCount()})
		srv.CloseSessions()
		<-drained
	}

	log.Info("shutdown complete")
	return nil
}
