// driveftp mirrors a remote drive into a local metadata cache and serves it
// through path-based sessions, optionally as a FUSE mount.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/objectfs/driveftp/internal/adapter"
	"github.com/objectfs/driveftp/internal/config"
	"github.com/objectfs/driveftp/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile  string
	writeConfig string
	logLevel    string
	provider    string
	cachePath   string
	mountPoint  string
	readOnly    bool
	metricsPort int
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("driveftp", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "path to YAML configuration file")
	flagSet.StringVar(&opts.writeConfig, "write-config", "", "write the effective configuration to this file and exit")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&opts.provider, "provider", "", "remote provider (gdrive, s3, memory)")
	flagSet.StringVar(&opts.cachePath, "cache", "", "path to the metadata cache database")
	flagSet.StringVar(&opts.mountPoint, "mount", "", "mount the drive at this directory")
	flagSet.BoolVar(&opts.readOnly, "read-only", false, "mount read-only")
	flagSet.IntVar(&opts.metricsPort, "metrics-port", 0, "serve metrics on this port")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := loadConfiguration(flagSet, &opts)
	if err != nil {
		return err
	}
	if opts.writeConfig != "" {
		return cfg.SaveToFile(opts.writeConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", zap.String("reason", "signal"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// loadConfiguration applies defaults, then the file, then the environment,
// then explicitly set flags.
func loadConfiguration(flagSet *pflag.FlagSet, opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if flagSet.Changed("log-level") {
		cfg.Global.LogLevel = opts.logLevel
	}
	if flagSet.Changed("provider") {
		cfg.Remote.Provider = opts.provider
	}
	if flagSet.Changed("cache") {
		cfg.Cache.Path = opts.cachePath
	}
	if flagSet.Changed("mount") {
		cfg.FUSE.Enabled = opts.mountPoint != ""
		cfg.FUSE.MountPoint = opts.mountPoint
	}
	if flagSet.Changed("read-only") {
		cfg.FUSE.ReadOnly = opts.readOnly
	}
	if flagSet.Changed("metrics-port") {
		cfg.Monitoring.Metrics.Enabled = opts.metricsPort > 0
		cfg.Monitoring.Metrics.Port = opts.metricsPort
	}
	return cfg, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `driveftp keeps a local metadata cache of a remote drive in sync and
serves it through path-based sessions.

Configuration is read from defaults, then --config, then DRIVEFTP_*
environment variables, then flags.

Usage:
  driveftp [flags]

Flags:
%s`, flagSet.FlagUsages())
}
