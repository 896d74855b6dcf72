package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/camfeed/cmd"
	"github.com/smazurov/camfeed/internal/api"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/ffmpeg"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/metrics"
	"github.com/smazurov/camfeed/internal/process"
	"github.com/smazurov/camfeed/internal/source"
	"github.com/smazurov/camfeed/internal/stream"
	"github.com/smazurov/camfeed/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port       string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Allowed CORS origin" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`
	LiveBuffer int    `help:"Messages queued per live subscriber before dropping" default:"64" toml:"server.live_buffer" env:"SERVER_LIVE_BUFFER"`
	RateLimit  int    `help:"Requests per minute per client IP (0 = unlimited)" default:"600" toml:"server.rate_limit" env:"SERVER_RATE_LIMIT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Controllers catalog
	ControllersFile   string `help:"Controllers and cameras file" default:"controllers.toml" toml:"controllers.file" env:"CONTROLLERS_FILE"`
	ControllersReload string `help:"Quiet period before reloading the controllers file" default:"1500ms" toml:"controllers.reload_debounce" env:"CONTROLLERS_RELOAD_DEBOUNCE"`

	// Transcoder settings
	FFmpegPath        string `help:"ffmpeg binary" default:"ffmpeg" toml:"ffmpeg.path" env:"FFMPEG_PATH"`
	FFmpegLogLevel    string `help:"ffmpeg -loglevel value" default:"warning" toml:"ffmpeg.log_level" env:"FFMPEG_LOG_LEVEL"`
	FFmpegRTSPTimeout string `help:"RTSP socket timeout" default:"5s" toml:"ffmpeg.rtsp_timeout" env:"FFMPEG_RTSP_TIMEOUT"`
	FFmpegStopGrace   string `help:"Wait after SIGINT before SIGKILL" default:"5s" toml:"ffmpeg.stop_grace" env:"FFMPEG_STOP_GRACE"`

	// Stream settings
	StreamRespawnDelay string `help:"Delay before restarting a reconfigured stream" default:"200ms" toml:"stream.respawn_delay" env:"STREAM_RESPAWN_DELAY"`
	StreamMaxFrameSize int    `help:"Largest accepted frame in bytes (0 = 8 MiB, -1 = unlimited)" default:"0" toml:"stream.max_frame_size" env:"STREAM_MAX_FRAME_SIZE"`

	// Metrics settings
	MetricsEnabled bool `help:"Serve Prometheus metrics at /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingStream  string `help:"Orchestrator logging level" default:"info" toml:"logging.stream" env:"LOGGING_STREAM"`
	LoggingProcess string `help:"Process lifecycle logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingFFmpeg  string `help:"ffmpeg output logging level" default:"warn" toml:"logging.ffmpeg" env:"LOGGING_FFMPEG"`
	LoggingConfig  string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP    string `help:"HTTP access logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"stream":  opts.LoggingStream,
				"process": opts.LoggingProcess,
				"ffmpeg":  opts.LoggingFFmpeg,
				"config":  opts.LoggingConfig,
				"api":     opts.LoggingAPI,
				"http":    opts.LoggingHTTP,
			},
		})
		logger := logging.GetLogger("main")

		catalog, err := config.LoadControllers(opts.ControllersFile)
		if err != nil {
			// Keep running: the watcher installs the catalog once the file is fixed.
			logger.Error("Failed to load controllers, starting with none", "file", opts.ControllersFile, "error", err)
		}
		store := config.NewCatalogStore(catalog)

		eventBus := events.New()

		spawner := process.NewExecSpawner(process.ExecOptions{
			Logger:          logging.GetLogger("process"),
			OutputLogger:    logging.GetLogger("ffmpeg"),
			LogParser:       ffmpeg.ParseLogLevel,
			GracefulTimeout: parseDuration(logger, "ffmpeg.stop_grace", opts.FFmpegStopGrace, 5*time.Second),
		})
		resolver := source.NewResolver(store, source.Options{
			FFmpegPath:  opts.FFmpegPath,
			RTSPTimeout: parseDuration(logger, "ffmpeg.rtsp_timeout", opts.FFmpegRTSPTimeout, ffmpeg.DefaultRTSPTimeout),
			LogLevel:    opts.FFmpegLogLevel,
		})
		orchestrator := stream.New(stream.Options{
			Resolver:     resolver,
			Spawner:      spawner,
			Bus:          eventBus,
			Logger:       logging.GetLogger("stream"),
			RespawnDelay: parseDuration(logger, "stream.respawn_delay", opts.StreamRespawnDelay, stream.DefaultRespawnDelay),
			MaxFrameSize: opts.StreamMaxFrameSize,
		})

		watcher := config.NewConfigWatcher(opts.ControllersFile, config.LoadControllers, logging.GetLogger("config"),
			config.WithDebounce[*config.Catalog](parseDuration(logger, "controllers.reload_debounce", opts.ControllersReload, 1500*time.Millisecond)),
		)
		watcher.OnReload(reloadHandler(opts.ControllersFile, store, orchestrator, eventBus, logging.GetLogger("config")))

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			CORSOrigin:   opts.CORSOrigin,
			Streams:      orchestrator,
			Resolver:     resolver,
			Catalog:      store,
			EventBus:     eventBus,
			LiveBuffer:   opts.LiveBuffer,
			RateLimit:    opts.RateLimit,
		}

		unsubscribeMetrics := func() {}
		if opts.MetricsEnabled {
			m := metrics.New(func() int { return len(orchestrator.Streams()) })
			unsubscribeMetrics = m.Subscribe(eventBus)
			apiOpts.PrometheusHandler = m.Handler()
		}

		server := api.NewServer(apiOpts)
		notifier := systemd.NewNotifier(logger)
		watchdogCtx, stopWatchdog := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			orchestrator.Start()
			if startErr := watcher.Start(); startErr != nil {
				logger.Warn("Controllers file will not be reloaded", "file", opts.ControllersFile, "error", startErr)
			}

			logger.Info("Starting HTTP server", "port", opts.Port, "controllers", controllerCount(store))
			notifier.Ready()
			notifier.Status("serving on " + opts.Port)
			go notifier.Watchdog(watchdogCtx)
			if startErr := server.Start(opts.Port); startErr != nil {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			stopWatchdog()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			// Stop HTTP first so live subscribers detach before streams are killed
			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if stopErr := watcher.Stop(); stopErr != nil {
				logger.Warn("Error stopping config watcher", "error", stopErr)
			}
			if stopErr := orchestrator.Shutdown(ctx); stopErr != nil {
				logger.Error("Error stopping streams", "error", stopErr)
			}
			unsubscribeMetrics()
		})
	})

	cli.Root().Use = "camfeed"
	cli.Root().Short = "Live camera renditions for one subscriber per stream"

	cli.Root().AddCommand(cmd.CreateArgsCmd())
	cli.Root().AddCommand(cmd.CreateSplitCmd())

	cli.Run()
}

// reconfigurer is the orchestrator surface a catalog reload drives.
type reconfigurer interface {
	OnConfigChanged(controller int, quality stream.Quality) int
}

// reloadHandler installs a reloaded catalog and restarts the streams whose
// parameters changed.
func reloadHandler(path string, store *config.CatalogStore, streams reconfigurer, bus *events.Bus, logger *slog.Logger) func(*config.Catalog) {
	return func(next *config.Catalog) {
		changes := store.Replace(next)
		names := make([]string, 0, len(changes))
		restarted := 0
		for _, c := range changes {
			restarted += streams.OnConfigChanged(c.Controller, c.Quality)
			names = append(names, c.String())
		}
		logger.Info("Controllers reloaded", "file", path, "changes", names, "restarted", restarted)
		bus.Publish(events.ConfigReloadedEvent{
			Path:      path,
			Changes:   names,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func controllerCount(store *config.CatalogStore) int {
	if c := store.Current(); c != nil {
		return len(c.Controllers)
	}
	return 0
}

func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}
