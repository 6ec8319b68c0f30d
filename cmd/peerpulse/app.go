package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	// Register model providers via init()
	_ "github.com/peerpulse/peerpulse/llm/providers"

	"github.com/peerpulse/peerpulse/audit"
	"github.com/peerpulse/peerpulse/cache"
	"github.com/peerpulse/peerpulse/config"
	"github.com/peerpulse/peerpulse/deferred"
	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/orchestrator"
	"github.com/peerpulse/peerpulse/platform"
	"github.com/peerpulse/peerpulse/review"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "peerpulse"
)

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		httpAddr   string
	)

	cmd := &cobra.Command{
		Use:   "peerpulse",
		Short: "Latency-bounded assessment response orchestrator",
		Long: `PeerPulse orchestrates model-generated responses for a self/peer
assessment chat system.

Every user-facing step is answered within the interactive budget: the
live model call races the deadline, cache and static fallbacks cover
misses, and downgraded answers are completed out of band and delivered
through the originating platform.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full service: API, deferred worker and idle sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, httpAddr)
		},
	}
	serveCmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address for health and metrics")
	cmd.AddCommand(serveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run only the deferred completion worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "warmup",
		Short: "Precompute template responses into the warm-up store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWarmup(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// buildLogger configures the process-wide logger.
func buildLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig runs the layered loader and validates the result. Task-kind
// mapping defects surface here, before anything starts.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectNATS connects with guidance on the common failure mode.
func connectNATS(cfg *config.Config, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	url := cfg.NATS.URL
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		url = envURL
	}

	logger.Info("Connecting to NATS", "url", url)

	nc, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, nil, wrapNATSError(err, url)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	logger.Info("Connected to NATS", "url", url)
	return nc, js, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// core holds the wired pipeline shared by serve and worker.
type core struct {
	cfg      *config.Config
	logger   *slog.Logger
	nc       *nats.Conn
	js       jetstream.JetStream
	cache    *cache.Cache
	client   *llm.Client
	ladder   *orchestrator.Ladder
	queue    *deferred.Queue
	emitter  *audit.Emitter
	metrics  *audit.Metrics
	registry *prometheus.Registry
}

// buildTaskConfigs resolves the config file's task-kind mappings into the
// selector's form.
func buildTaskConfigs(cfg *config.Config) map[llm.TaskKind]orchestrator.TaskConfig {
	configs := make(map[llm.TaskKind]orchestrator.TaskConfig, len(cfg.TaskKinds))
	for name, tk := range cfg.TaskKinds {
		profile := cfg.Profiles[tk.Profile]
		kind := llm.TaskKind(name)
		configs[kind] = orchestrator.TaskConfig{
			Kind: kind,
			Profile: llm.Profile{
				Name:            tk.Profile,
				Model:           profile.Model,
				MaxOutputTokens: profile.MaxOutputTokens,
				Temperature:     profile.Temperature,
				Timeout:         profile.Timeout,
			},
			TTLClass:     cache.TTLClass(tk.TTLClass),
			SystemPrompt: tk.SystemPrompt,
			Language:     tk.Language,
			Static:       []byte(tk.Static),
		}
	}
	return configs
}

// buildCore wires the shared pipeline: model client, cache, selector,
// ladder, queue, audit and metrics.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	if llm.GetProvider(cfg.Model.Provider) == nil {
		return nil, fmt.Errorf("unknown model provider %q (registered: %v)",
			cfg.Model.Provider, llm.ListProviders())
	}

	nc, js, err := connectNATS(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := audit.NewMetrics(registry)

	emitter := audit.NewEmitter(audit.NewNATSAppender(nc),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithMetrics(metrics),
		audit.WithLogger(logger))
	emitter.Start(ctx)

	client := llm.NewClient(llm.Endpoint{
		Provider:       cfg.Model.Provider,
		URL:            cfg.Model.Endpoint,
		EmbeddingModel: cfg.Model.EmbeddingModel,
	}, llm.WithLogger(logger))

	selector, err := orchestrator.NewSelector(buildTaskConfigs(cfg))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("task configuration: %w", err)
	}

	c := cache.New(
		cache.WithTTLConfig(cfg.TTLConfig()),
		cache.WithLogger(logger))

	taskStore, err := deferred.NewKVStore(ctx, js)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("deferred store: %w", err)
	}
	queue := deferred.NewQueue(taskStore, deferred.WithQueueLogger(logger))

	ladder := orchestrator.NewLadder(selector, c, client,
		orchestrator.WithQueue(queue),
		orchestrator.WithEmitter(emitter),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger))

	return &core{
		cfg:      cfg,
		logger:   logger,
		nc:       nc,
		js:       js,
		cache:    c,
		client:   client,
		ladder:   ladder,
		queue:    queue,
		emitter:  emitter,
		metrics:  metrics,
		registry: registry,
	}, nil
}

// close tears the core down in reverse order.
func (c *core) close() {
	c.emitter.Close()
	c.nc.Close()
}

// buildWorker wires the deferred completion worker over the core.
func (c *core) buildWorker() *deferred.Worker {
	return deferred.NewWorker(c.queue, c.ladder.CompleteDeferred,
		deferred.WithRetryConfig(deferred.RetryConfig{
			MaxAttempts:       c.cfg.Queue.MaxAttempts,
			BackoffBase:       c.cfg.Queue.BackoffBase,
			BackoffMultiplier: c.cfg.Queue.BackoffMultiplier,
			MaxBackoff:        c.cfg.Queue.BackoffMax,
		}),
		deferred.WithPublisher(c.nc),
		deferred.WithEmitter(c.emitter),
		deferred.WithMetrics(c.metrics),
		deferred.WithPollInterval(c.cfg.Queue.PollInterval),
		deferred.WithWorkerLogger(c.logger))
}

func runServe(configPath, logLevel, httpAddr string) error {
	logger := buildLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	// Preload the cache from the warm-up store. Best effort: a cold cache
	// only costs first-request latency.
	if src, err := cache.NewKVWarmupSource(ctx, c.js); err == nil {
		c.cache.WarmUp(ctx, src)
	} else {
		logger.Warn("Warm-up store unavailable, starting cold", "error", err)
	}

	for _, name := range cfg.Platforms {
		platform.Register(platform.NewNATSAdapter(name, c.nc))
	}
	logger.Info("Platform adapters registered", "platforms", platform.List())

	sessionStore, err := review.NewKVStore(ctx, c.js)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	competencies, err := review.NewKVCompetencySource(ctx, c.js, cfg.Session.Competencies)
	if err != nil {
		return fmt.Errorf("competency source: %w", err)
	}

	machine := review.NewMachine(sessionStore, competencies, c.ladder,
		review.WithIdleTimeout(cfg.Session.IdleTimeout),
		review.WithInteractiveBudget(cfg.Session.InteractiveBudget),
		review.WithLogger(logger))

	api := newAPI(c.nc, machine, logger)
	if err := api.Start(); err != nil {
		return fmt.Errorf("start API: %w", err)
	}
	defer api.Stop()

	worker := c.buildWorker()
	go worker.Run(ctx)

	// Idle session sweeper.
	go func() {
		interval := cfg.Session.IdleTimeout / 24
		if interval < time.Minute {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := machine.ExpireIdle(ctx, time.Now().UTC()); err != nil {
					logger.Warn("Idle sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("Idle sessions expired", "count", n)
				}
			}
		}
	}()

	// Cache sweeper. Get judges expiry at read time; the sweep just
	// reclaims memory from entries nothing reads anymore.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.cache.Sweep(); n > 0 {
					logger.Debug("Expired cache entries swept", "count", n)
				}
			}
		}
	}()

	// Config hot reload: profile, prompt and template edits take effect
	// without a restart; stale cached responses are invalidated.
	if explicit := configPath; explicit != "" {
		watcher, err := config.NewWatcher(explicit, func(next *config.Config) {
			selector, err := orchestrator.NewSelector(buildTaskConfigs(next))
			if err != nil {
				logger.Warn("Reloaded task configuration is invalid, keeping previous", "error", err)
				return
			}
			c.ladder.UpdateSelector(selector)
			for name := range next.TaskKinds {
				c.cache.Invalidate(name + ":")
			}
			logger.Info("Task configuration reloaded")
		}, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Health and metrics endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	logger.Info("PeerPulse ready",
		"version", Version,
		"http", httpAddr,
		"task_kinds", len(cfg.TaskKinds),
		"budget", cfg.Session.InteractiveBudget)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}

	logger.Info("PeerPulse shutdown complete")
	return nil
}

func runWorker(configPath, logLevel string) error {
	logger := buildLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	for _, name := range cfg.Platforms {
		platform.Register(platform.NewNATSAdapter(name, c.nc))
	}

	logger.Info("Deferred worker ready", "poll_interval", cfg.Queue.PollInterval)

	c.buildWorker().Run(ctx)

	logger.Info("Deferred worker shutdown complete")
	return nil
}

// runWarmup generates template responses for every configured competency
// and stores them in the warm-up bucket, so serve starts answering template
// requests from cache.
func runWarmup(configPath, logLevel string) error {
	logger := buildLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	src, err := cache.NewKVWarmupSource(ctx, c.js)
	if err != nil {
		return fmt.Errorf("warm-up store: %w", err)
	}

	tk, ok := cfg.TaskKinds[llm.TaskTemplate.String()]
	if !ok {
		return fmt.Errorf("no template task kind configured")
	}
	profile := cfg.Profiles[tk.Profile]

	saved := 0
	for _, competency := range cfg.Session.Competencies {
		out, err := c.client.Generate(ctx, llm.Prompt{
			Kind:   llm.TaskTemplate,
			System: tk.SystemPrompt,
			Payload: map[string]string{
				"competency": competency,
				"context":    "self",
			},
		}, llm.Profile{
			Name:            tk.Profile,
			Model:           profile.Model,
			MaxOutputTokens: profile.MaxOutputTokens,
			Temperature:     profile.Temperature,
			Timeout:         profile.Timeout,
		}, "warmup-"+competency)
		if err != nil {
			logger.Warn("Template generation failed, skipping",
				"competency", competency, "error", err)
			continue
		}

		fp := cache.Fingerprint(llm.TaskTemplate.String(), competency, tk.Profile, tk.Language)
		if err := src.Save(ctx, cache.WarmupEntry{
			Fingerprint: fp,
			Payload:     out.JSON,
			Class:       cache.ClassTemplate,
		}); err != nil {
			logger.Warn("Failed to save warm-up entry",
				"competency", competency, "error", err)
			continue
		}
		saved++
		logger.Info("Warm-up entry saved", "competency", competency)
	}

	logger.Info("Warm-up complete",
		"saved", saved,
		"competencies", len(cfg.Session.Competencies))
	return nil
}
