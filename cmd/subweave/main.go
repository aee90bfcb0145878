// Command subweave runs the subtitle generation pipeline service: it loads
// configuration, wires the job store, URL source cache, ASR dispatcher and
// pipeline engine, then serves health and metrics endpoints until a shutdown
// signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subweave/subweave/internal/asr"
	"github.com/subweave/subweave/internal/config"
	"github.com/subweave/subweave/internal/driftsync"
	"github.com/subweave/subweave/internal/health"
	"github.com/subweave/subweave/internal/jobs"
	"github.com/subweave/subweave/internal/metering"
	"github.com/subweave/subweave/internal/observe"
	"github.com/subweave/subweave/internal/pipeline"
	"github.com/subweave/subweave/internal/sourcecache"
	"github.com/subweave/subweave/internal/store"
	"github.com/subweave/subweave/pkg/types"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; explicit environment variables win either way.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "subweave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "subweave: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("subweave starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Server.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Job store ─────────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open job store", "backend", cfg.Store.Backend, "err", err)
		return 1
	}
	defer st.Close()

	// ── URL source cache (optional) ───────────────────────────────────────────
	cache := openCache(cfg.Cache)
	if cache != nil {
		defer cache.Close()
	}

	// ── ASR dispatcher ────────────────────────────────────────────────────────
	dispatcher := buildDispatcher(cfg.ASR)

	// ── Pipeline engine ───────────────────────────────────────────────────────
	engine := pipeline.New(pipeline.Config{
		Cache:   cache,
		ASR:     dispatcher,
		Sink:    metering.LogSink{},
		Metrics: observe.DefaultMetrics(),
		Drift: driftsync.Config{
			StartGapThreshold: cfg.Sync.StartGapThreshold,
			EndGapThreshold:   cfg.Sync.EndGapThreshold,
			QualityThreshold:  cfg.Sync.QualityThreshold,
		},
		LLMDefaults: types.LLMOptions{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
	})

	// ── Job manager ───────────────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Jobs.WorkRoot, 0o755); err != nil {
		slog.Error("failed to create work root", "dir", cfg.Jobs.WorkRoot, "err", err)
		return 1
	}
	manager, err := jobs.NewManager(jobs.Config{
		WorkRoot:           cfg.Jobs.WorkRoot,
		GlobalLimit:        cfg.Jobs.GlobalConcurrency,
		PerUserLimit:       cfg.Jobs.PerUserConcurrency,
		RetentionTerminal:  time.Duration(cfg.Jobs.RetentionTerminalDays) * 24 * time.Hour,
		RetentionConsumed:  time.Duration(cfg.Jobs.RetentionConsumedMinutes) * time.Minute,
		PollIntervalHintMs: cfg.Jobs.PollIntervalMsHint,
	}, st, engine)
	if err != nil {
		slog.Error("failed to initialise job manager", "err", err)
		return 1
	}
	manager.Start()

	// ── Health and metrics endpoints ──────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Binary("ffmpeg"),
		health.Binary("ffprobe"),
		health.JobStore(st),
		health.WritableDir("work_root", cfg.Jobs.WorkRoot),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		manager.Stop()
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	manager.Stop()

	slog.Info("goodbye")
	return 0
}

// openStore opens the configured job store backend, creating the SQLite
// parent directory when needed.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.JobStore, error) {
	switch cfg.Backend {
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return store.OpenSQLite(cfg.SQLitePath)
	}
}

// openCache builds the URL source cache when a root is configured and a
// yt-dlp installation can be found. A nil return disables URL jobs; file and
// resume jobs are unaffected.
func openCache(cfg config.CacheConfig) *sourcecache.Cache {
	if cfg.Root == "" {
		slog.Info("url source cache disabled", "reason", "no cache root configured")
		return nil
	}
	yt, err := sourcecache.DiscoverYtDlp(cfg.YtDlpExecutable, cfg.YtDlpSearchRoots)
	if err != nil {
		slog.Warn("url jobs disabled", "reason", "yt-dlp not found", "err", err)
		return nil
	}
	cache, err := sourcecache.New(sourcecache.Config{
		Root:            cfg.Root,
		TTL:             time.Duration(cfg.TTLDays) * 24 * time.Hour,
		MaxBytes:        int64(cfg.MaxGB) << 30,
		DownloadTimeout: time.Duration(cfg.DownloadTimeoutSeconds) * time.Second,
	}, yt)
	if err != nil {
		slog.Warn("url jobs disabled", "reason", "cache open failed", "err", err)
		return nil
	}
	slog.Info("url source cache ready", "root", cfg.Root, "ttl_days", cfg.TTLDays, "max_gb", cfg.MaxGB)
	return cache
}

// buildDispatcher registers the transcription providers the configuration
// enables. Cloud providers need a base URL and API key; local providers need
// a model directory.
func buildDispatcher(cfg config.ASRConfig) *asr.Dispatcher {
	var providers []asr.Provider

	if cfg.CloudBaseURL != "" && cfg.CloudAPIKey != "" {
		providers = append(providers,
			asr.NewCloud(cfg.CloudBaseURL, cfg.CloudAPIKey, asr.ModelParaformerV2),
			asr.NewCloud(cfg.CloudBaseURL, cfg.CloudAPIKey, asr.ModelQwen3Flash),
		)
	} else {
		slog.Warn("cloud transcription disabled", "reason", "cloud_base_url or cloud_api_key missing")
	}

	if cfg.LocalModelDir != "" {
		providers = append(providers,
			asr.NewWhisperX(cfg.LocalModelDir, cfg.LocalModel, cfg.Language),
			asr.NewFasterWhisper(cfg.LocalModelDir, cfg.LocalModel, cfg.Language),
		)
	} else {
		slog.Warn("local transcription disabled", "reason", "local_model_dir missing")
	}

	return asr.NewDispatcher(asr.CloudProviderName(cfg.DefaultCloudModel), providers...)
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
