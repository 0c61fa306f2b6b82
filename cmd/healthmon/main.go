package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nikiz24/healthmon"
	"github.com/nikiz24/healthmon/periodic"
	"github.com/nikiz24/healthmon/sink/remotewrite"
)

const version = "1.0.0"

type options struct {
	configPath     string
	remoteWriteURL string
	service        string
	verbose        bool
	showVersion    bool
	duration       time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "healthmon: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("healthmon v%s\n", version)
		return nil
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	m, err := healthmon.New(cfg, healthmon.WithLogger(logger))
	if err != nil {
		return err
	}

	var writer *remotewrite.Writer
	if opts.remoteWriteURL != "" {
		wcfg := remotewrite.DefaultConfig()
		wcfg.RemoteWriteURL = opts.remoteWriteURL
		wcfg.ServiceName = opts.service
		wcfg.SessionID = m.ID()
		wcfg.Logger = logger.Named("remotewrite")
		writer, err = remotewrite.New(wcfg)
		if err != nil {
			return err
		}
	}

	if err := m.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.Pipe(gctx, sampleLogger(logger, writer))
		m.Stop()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	if writer != nil {
		g.Go(func() error {
			writer.Run(gctx)
			return nil
		})
	}

	runErr := g.Wait()

	// The sampling task releases the group when the monitor stops.
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitErr := periodic.Default.Wait(waitCtx)

	logger.Info("healthmon exiting", zap.Int64("skipped", m.Skipped()))
	return multierr.Combine(runErr, m.Err(), waitErr)
}

// sampleLogger logs each Sample and forwards it to writer when set. Write
// failures are logged and do not end the stream.
func sampleLogger(logger *zap.Logger, writer *remotewrite.Writer) healthmon.Consumer {
	return healthmon.ConsumerFunc(func(ctx context.Context, s healthmon.Sample) error {
		fields := []zap.Field{
			zap.Time("time", s.Time),
			zap.Float64("cpu", s.CPU),
			zap.Uint64("rss", s.Memory.RSS),
			zap.Uint64("heap_used", s.Memory.HeapUsed),
			zap.Float64s("load", s.Load[:]),
		}
		if s.Delay != nil {
			p99, _ := s.Delay.Percentile(99)
			fields = append(fields, zap.Float64("delay_p99_ms", p99))
		}
		if s.Resources != nil {
			fields = append(fields, zap.Any("resources", s.Resources))
		}
		if s.GC != nil {
			fields = append(fields,
				zap.Int64("gc_marksweep", s.GC.MarkSweep),
				zap.Int64("gc_incremental", s.GC.Incremental))
		}
		logger.Info("sample", fields...)

		if writer != nil {
			if err := writer.Consume(ctx, s); err != nil {
				logger.Warn("remote write failed", zap.Error(err))
			}
		}
		return nil
	})
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// parseArgs reads flags and HEALTHMON_* environment variables. When -config
// names a YAML file, it provides the base configuration and flags or
// variables that were set explicitly override it.
func parseArgs(args []string) (healthmon.Config, options, error) {
	var opts options
	cfg := healthmon.DefaultConfig()

	fs := flag.NewFlagSet("healthmon", flag.ContinueOnError)
	healthmon.RegisterFlags(fs, &cfg)
	fs.StringVar(&opts.configPath, "config", "", "path to config.yaml")
	fs.StringVar(&opts.remoteWriteURL, "remote-write-url", "", "Prometheus remote-write endpoint; empty disables forwarding")
	fs.StringVar(&opts.service, "service", "healthmon", "service label for remote-written series")
	fs.DurationVar(&opts.duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	fs.BoolVar(&opts.verbose, "v", false, "development logging")
	fs.BoolVar(&opts.showVersion, "version", false, "show version and exit")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(healthmon.EnvPrefix)); err != nil {
		return cfg, opts, err
	}
	if opts.configPath == "" {
		return cfg, opts, cfg.Validate()
	}

	fileCfg, err := healthmon.LoadConfig(opts.configPath)
	if err != nil {
		return cfg, opts, err
	}

	overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
	healthmon.RegisterFlags(overrides, &fileCfg)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if overrides.Lookup(f.Name) != nil {
			setErr = multierr.Append(setErr, overrides.Set(f.Name, f.Value.String()))
		}
	})
	if setErr != nil {
		return fileCfg, opts, setErr
	}
	return fileCfg, opts, fileCfg.Validate()
}
