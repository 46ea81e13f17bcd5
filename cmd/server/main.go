package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/screenshare/streaming-server/internal/capture"
	"github.com/dj-oyu/screenshare/streaming-server/internal/config"
	"github.com/dj-oyu/screenshare/streaming-server/internal/encoder"
	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/internal/service"
)

func main() {
	cfg, cfgPath, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Validate already accepted the level.
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Screen share server starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := run(cfg, cfgPath); err != nil {
		logger.Error("Main", "%v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

// loadConfig applies defaults, then the -config file, then the other flags.
func loadConfig(args []string, output io.Writer) (config.Config, string, error) {
	cfg := config.DefaultConfig()

	path := lookupConfigPath(args)
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, "", err
		}
		cfg = loaded
	}

	fs := flag.NewFlagSet("screenshare", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&path, "config", path, "YAML config file (watched for log level changes)")
	fs.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address (empty disables)")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "Capture source (screen, pattern)")
	fs.IntVar(&cfg.Display, "display", cfg.Display, "Display index to capture")
	fs.IntVar(&cfg.CaptureFPS, "fps", cfg.CaptureFPS, "Capture frame rate")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "Capture width (0 = display width)")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "Capture height (0 = display height)")
	fs.IntVar(&cfg.DPI, "dpi", cfg.DPI, "Display density, informational only (capture uses physical pixels)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Capture grant token")
	fs.IntVar(&cfg.JPEGQuality, "quality", cfg.JPEGQuality, "JPEG quality (1-100)")
	fs.IntVar(&cfg.MaxWidth, "max-width", cfg.MaxWidth, "Downscale frames wider than this (0 = off)")
	fs.BoolVar(&cfg.Overlay, "overlay", cfg.Overlay, "Stamp the capture time on each frame")
	fs.DurationVar(&cfg.StreamInterval, "stream-interval", cfg.StreamInterval, "Interval between stream frames")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")

	if err := fs.Parse(args); err != nil {
		return cfg, "", err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	return cfg, path, nil
}

// lookupConfigPath finds -config before the full parse so file values can
// become the flag defaults.
func lookupConfigPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func captureParams(cfg config.Config) capture.Params {
	return capture.Params{
		Width:   cfg.Width,
		Height:  cfg.Height,
		DPI:     cfg.DPI,
		Display: cfg.Display,
		FPS:     cfg.CaptureFPS,
		Token:   cfg.Token,
	}
}

func run(cfg config.Config, cfgPath string) error {
	opener, err := capture.OpenerFor(cfg.Source)
	if err != nil {
		return err
	}
	enc := encoder.NewJPEGEncoder(encoder.Options{
		Quality:  cfg.JPEGQuality,
		MaxWidth: cfg.MaxWidth,
		Overlay:  cfg.Overlay,
	})
	ctrl := service.New(cfg, opener, enc, metrics.New())

	logger.Info("Main", "Starting capture...")
	logger.Info("Main", "  Source: %s (display %d, %d fps)", cfg.Source, cfg.Display, cfg.CaptureFPS)
	logger.Info("Main", "  HTTP server: %s", cfg.Addr)
	if cfg.MetricsAddr != "" {
		logger.Info("Main", "  Metrics server: %s", cfg.MetricsAddr)
	}

	if err := ctrl.Start(captureParams(cfg)); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	logger.Info("Main", "Web server should be reachable at: %s", ctrl.URL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-ctrl.Errors():
			return err
		}
	})

	if cfgPath != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, cfgPath, reloader(cfg)); err != nil {
				logger.Warn("Config", "Live reload disabled: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")
		// Leave room for both listeners to drain.
		sctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownTimeout+time.Second)
		defer cancel()
		return ctrl.Stop(sctx)
	})

	return g.Wait()
}

// reloader applies the log level from a changed config file. Other fields
// only take effect on restart.
func reloader(current config.Config) func(config.Config) {
	return func(next config.Config) {
		if level, err := logger.ParseLevel(next.LogLevel); err == nil && next.LogLevel != current.LogLevel {
			logger.SetLevel(level)
			logger.Info("Config", "Log level changed to %s", level)
		}

		logLevel := next.LogLevel
		next.LogLevel = current.LogLevel
		if next != current {
			logger.Warn("Config", "Config file changed; restart to apply settings other than log_level")
		}
		next.LogLevel = logLevel
		current = next
	}
}
