package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
	"github.com/skypro1111/voice-pipeline/internal/config"
	"github.com/skypro1111/voice-pipeline/internal/device"
	"github.com/skypro1111/voice-pipeline/internal/metrics"
	"github.com/skypro1111/voice-pipeline/internal/pipeline"
	"github.com/skypro1111/voice-pipeline/internal/recorder"
	"github.com/skypro1111/voice-pipeline/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-pipeline"
	serviceVersion    = "1.0.0"
	readyTimeout      = 5 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("transport", cfg.Capture.Transport),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("channels", cfg.Capture.Channels),
		slog.String("playback_device", cfg.Playback.Device),
		slog.Int("playback_sample_rate", cfg.Playback.SampleRate),
		slog.Int("volume", cfg.Playback.Volume),
		slog.Float64("vad_threshold_db", float64(cfg.VAD.ThresholdDB)),
		slog.Bool("recorder_enabled", cfg.Recorder.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Build the pipeline and its devices
	pipeCfg := pipelineConfig(cfg)
	p := pipeline.New(pipeCfg, logger, appMetrics)

	out, err := openOutput(cfg, pipeCfg.PlaybackFormat, logger)
	if err != nil {
		logger.Error("Failed to open playback device", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := p.Init(ctx, captureFactory(cfg, pipeCfg.RawFormat, logger), out); err != nil {
		logger.Error("Failed to initialize audio pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := p.WaitReady(readyTimeout); err != nil {
		logger.Error("Audio pipeline not ready", slog.String("error", err.Error()))
		p.Deinit()
		os.Exit(1)
	}

	// Background workers
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.Drain().Run(groupCtx)
	})

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec = newRecorder(cfg, p, logger, appMetrics)
		group.Go(func() error {
			return rec.Run(groupCtx)
		})
		logger.Info("Recorder initialized", slog.String("directory", cfg.Recorder.Directory))
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}
		var lister server.RecordingLister
		if rec != nil {
			lister = rec
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, p, lister, appMetrics, nil)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			cancel()
			group.Wait()
			p.Deinit()
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("pipeline_id", p.ID()),
		slog.String("state", p.State().String()),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-groupCtx.Done():
		logger.Info("Worker stopped, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop drain and recorder, then release capture and playback
	cancel()
	if err := group.Wait(); err != nil {
		logger.Error("Worker error", slog.String("error", err.Error()))
	}

	stats := p.Stats()
	p.Deinit()

	logger.Info("Final pipeline statistics",
		slog.Uint64("ingested_chunks", stats.IngestedChunks),
		slog.Uint64("raw_overruns", stats.RawOverruns),
		slog.Uint64("processed_overruns", stats.ProcessedOverruns),
		slog.Uint64("playback_chunks", stats.PlaybackChunks),
		slog.Uint64("playback_write_errors", stats.PlaybackWriteErrors),
		slog.Uint64("playback_underruns", stats.PlaybackUnderruns),
	)

	logger.Info("Service stopped")
}

// pipelineConfig maps the service configuration onto pipeline parameters.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.RawFormat = audio.StreamFormat{
		SampleRate:    cfg.Capture.SampleRate,
		Channels:      cfg.Capture.Channels,
		BitsPerSample: 16,
	}
	pc.RawBufferSize = cfg.Pipeline.RawBufferSize
	pc.ProcessedBufferSize = cfg.Pipeline.ProcessedBufferSize
	pc.PlaybackFormat = audio.StreamFormat{
		SampleRate:    cfg.Playback.SampleRate,
		Channels:      cfg.Playback.Channels,
		BitsPerSample: 16,
	}
	pc.PlaybackBufferSize = cfg.Playback.BufferSize
	pc.PlaybackChunkSize = cfg.Playback.ChunkSize
	pc.DrainInterval = cfg.Playback.GetDrainInterval()
	pc.PlaybackWriteTimeout = cfg.Playback.GetWriteTimeout()
	pc.IngestLockTimeout = cfg.Pipeline.GetIngestLockTimeout()
	pc.DrainLockTimeout = cfg.Pipeline.GetDrainLockTimeout()
	pc.ControlLockTimeout = cfg.Pipeline.GetControlLockTimeout()
	pc.Volume = uint8(cfg.Playback.Volume)
	pc.Muted = cfg.Playback.Muted
	pc.VADThresholdDB = cfg.VAD.ThresholdDB
	return pc
}

// captureFactory builds the configured capture transport on top of the sink.
func captureFactory(cfg *config.Config, raw audio.StreamFormat, logger *slog.Logger) pipeline.CaptureFactory {
	return func(sink capture.Sink) (capture.Source, error) {
		switch cfg.Capture.Transport {
		case "usb":
			driver := device.NewUSBDriver(device.USBDriverConfig{
				Match:        cfg.Capture.USB.Match,
				VendorID:     cfg.Capture.USB.VendorID,
				ProductID:    cfg.Capture.USB.ProductID,
				PollInterval: cfg.Capture.USB.GetPollInterval(),
			}, logger)
			return capture.NewUSBSource(driver, sink, capture.USBConfig{
				Target:              raw,
				PreferredSampleRate: cfg.Capture.USB.PreferredSampleRate,
				PreferredChannels:   cfg.Capture.USB.PreferredChannels,
				StopGrace:           cfg.Capture.GetStopGrace(),
			}, logger), nil
		default:
			reader, err := device.OpenPortAudio(raw, cfg.Capture.FrameSamples)
			if err != nil {
				return nil, err
			}
			return capture.NewPeripheralSource(reader, sink, capture.PeripheralConfig{
				Format:       raw,
				FrameSamples: cfg.Capture.FrameSamples,
				ReadTimeout:  cfg.Capture.GetReadTimeout(),
				ErrorBackoff: cfg.Capture.GetErrorBackoff(),
				StopGrace:    cfg.Capture.GetStopGrace(),
			}, logger), nil
		}
	}
}

// openOutput opens the playback device named in the configuration.
func openOutput(cfg *config.Config, format audio.StreamFormat, logger *slog.Logger) (pipeline.OutputDevice, error) {
	if cfg.Playback.Device == "discard" {
		logger.Info("Playback output discarded")
		return &device.Discard{}, nil
	}
	return device.OpenOutput(format, cfg.Playback.DeviceBufferSize, logger)
}

// newRecorder records the enabled capture streams while the pipeline records.
func newRecorder(cfg *config.Config, p *pipeline.Pipeline, logger *slog.Logger, m *metrics.Metrics) *recorder.Recorder {
	var streams []recorder.Stream
	if cfg.Recorder.Raw {
		streams = append(streams, recorder.Stream{Name: "raw", Format: p.RawFormat(), Read: p.ReadRaw})
	}
	if cfg.Recorder.Processed {
		streams = append(streams, recorder.Stream{Name: "processed", Format: p.ProcessedFormat(), Read: p.ReadProcessed})
	}

	return recorder.New(recorder.Config{
		Directory:   cfg.Recorder.Directory,
		ChunkSize:   cfg.Recorder.ChunkSize,
		ReadTimeout: cfg.Recorder.GetReadTimeout(),
	}, streams, func() bool { return p.State().IsRecording() }, logger, m)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
