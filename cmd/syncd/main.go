package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aim-chat/go-sync/internal/channel"
	"aim-chat/go-sync/internal/config"
	"aim-chat/go-sync/internal/events"
	"aim-chat/go-sync/internal/metrics"
	"aim-chat/go-sync/internal/platform/privacylog"
	"aim-chat/go-sync/internal/platform/ratelimiter"
	"aim-chat/go-sync/internal/presence"
	"aim-chat/go-sync/internal/reconcile"
	"aim-chat/go-sync/internal/restapi"
	"aim-chat/go-sync/internal/session"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (optional)")
	token := flag.String("token", "", "Bearer credential (falls back to CHAT_SYNC_TOKEN)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("chat-syncd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	cfg := config.Load(*configPath)
	credential := *token
	if credential == "" {
		credential = os.Getenv("CHAT_SYNC_TOKEN")
	}
	if cfg.Server.BaseURL == "" {
		log.Fatal("chat-syncd: server base URL is required (config server.baseUrl or CHAT_SYNC_BASE_URL)")
	}
	if credential == "" {
		log.Fatal("chat-syncd: bearer credential is required (-token or CHAT_SYNC_TOKEN)")
	}

	reg := prometheus.NewRegistry()
	eng := metrics.New(reg)
	mgr := channel.NewManager(cfg.Chan, nil, logger, eng)
	limiter := ratelimiter.New(cfg.Send.RatePerSecond, cfg.Send.Burst, cfg.Send.IdleTTL)
	rec := reconcile.New(mgr, limiter, logger)
	tracker := presence.New()
	hub := events.NewHub(cfg.Events.HistoryLimit)
	coord := session.New(mgr, func(credential string) session.API {
		return restapi.NewClient(cfg.Server.BaseURL, credential)
	}, rec, tracker, hub, logger, eng)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if err := coord.SetCredential(ctx, credential); err != nil {
		log.Fatalf("chat-syncd failed to start session: %v", err)
	}
	log.Println("chat-syncd started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord.Logout(shutdownCtx)
	log.Println("chat-syncd stopped")
}
