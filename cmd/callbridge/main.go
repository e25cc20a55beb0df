package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silviot/callbridge/pkg/config"
	"github.com/silviot/callbridge/pkg/factory"
	"github.com/silviot/callbridge/pkg/iceservers"
	"github.com/silviot/callbridge/pkg/media"
	"github.com/silviot/callbridge/pkg/media/device"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/provider"
	"github.com/silviot/callbridge/pkg/provider/direct"
	"github.com/silviot/callbridge/pkg/provider/livekit"
	"github.com/silviot/callbridge/pkg/session"
	"github.com/silviot/callbridge/pkg/signaling"
	"github.com/silviot/callbridge/pkg/stt"
	"github.com/silviot/callbridge/pkg/transcribe"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file (default $CALLBRIDGE_CONFIG)")
		port       = flag.String("port", "", "HTTP server port, overrides config")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting callbridge",
		"port", cfg.Port,
		"default_kind", cfg.DefaultKind,
		"livekit_url", cfg.LiveKit.URL,
		"stt_enabled", cfg.Direct.STTURL != "",
		"ice_discovery", cfg.Direct.ICEServersURL != "")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	source, err := device.New(device.Config{Logger: logger})
	if err != nil {
		logger.Error("media capture unavailable", "error", err)
		os.Exit(1)
	}

	relay := signaling.NewRelay(logger)

	providers, err := factory.New(factory.Config{
		Routes:       cfg.FactoryRoutes(),
		Default:      provider.Kind(cfg.DefaultKind),
		Constructors: constructors(cfg, source, logger),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("invalid routing", "error", err)
		os.Exit(1)
	}
	for _, c := range []factory.Category{factory.CategoryDirect, factory.CategoryGroup, factory.CategoryBroadcast} {
		if providers.KindFor(c) == provider.KindAgora {
			logger.Warn("no agora engine is linked into this binary, calls of this category will be refused", "category", string(c))
		}
	}

	sessions := session.NewManager(session.ManagerConfig{
		Factory:  providers,
		Recorder: recorder,
		Logger:   logger,
	})

	mux := http.NewServeMux()
	sessions.Register(mux)
	mux.Handle("GET /signal", relay)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"sessions":  sessions.Count(),
			"timestamp": time.Now().Unix(),
		})
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sessions.Close(); err != nil {
		logger.Error("session shutdown error", "error", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("callbridge stopped")
}

// constructors builds the provider constructors the configuration allows
func constructors(cfg *config.Config, source media.Source, logger *slog.Logger) map[provider.Kind]factory.Constructor {
	out := map[provider.Kind]factory.Constructor{}

	signalURL := cfg.Direct.SignalURL
	if signalURL == "" {
		signalURL = "ws://127.0.0.1:" + cfg.Port + "/signal"
	}
	dialer := &signaling.WSDialer{URL: signalURL, Logger: logger}
	ice := peer.ICEConfig{STUN: cfg.Direct.STUN}

	var iceSource direct.ICESource
	if cfg.Direct.ICEServersURL != "" {
		client, err := iceservers.NewClient(iceservers.Config{URL: cfg.Direct.ICEServersURL, Token: cfg.Direct.ICEToken, Logger: logger})
		if err != nil {
			logger.Warn("ICE server discovery disabled", "error", err)
		} else {
			iceSource = client
		}
	}

	var tap direct.AudioTap
	if cfg.Direct.STTURL != "" {
		header := http.Header{}
		if cfg.Direct.STTToken != "" {
			header.Set("Authorization", "Bearer "+cfg.Direct.STTToken)
		}
		t, err := transcribe.New(transcribe.Config{
			NewRecognizer: func() transcribe.Recognizer {
				return stt.NewClient(stt.Config{URL: cfg.Direct.STTURL, Header: header, Logger: logger})
			},
			Logger: logger,
		})
		if err != nil {
			logger.Warn("transcription disabled", "error", err)
		} else {
			tap = t
		}
	}

	out[provider.KindDirect] = func() (provider.Provider, error) {
		return direct.New(direct.Config{
			Signaling:       dialer,
			Media:           source,
			ICEServers:      ice.Servers(),
			ICESource:       iceSource,
			AudioTap:        tap,
			MetricsInterval: cfg.Metrics.Interval,
			Logger:          logger,
		})
	}

	if cfg.LiveKit.URL != "" {
		out[provider.KindLiveKit] = func() (provider.Provider, error) {
			return livekit.New(livekit.Config{
				URL:             cfg.LiveKit.URL,
				APIKey:          cfg.LiveKit.APIKey,
				APISecret:       cfg.LiveKit.APISecret,
				TokenTTL:        cfg.LiveKit.TokenTTL,
				Media:           source,
				MetricsInterval: cfg.Metrics.Interval,
				Logger:          logger,
			})
		}
	} else {
		logger.Warn("LIVEKIT_URL not set, livekit calls will be refused")
	}

	return out
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
