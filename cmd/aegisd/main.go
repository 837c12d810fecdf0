package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/config"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/obs"
	"aegis.dev/internal/store/pg"
	"aegis.dev/internal/store/sqlite"
	"aegis.dev/internal/trust"
	"aegis.dev/internal/wa"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	custodian, err := custody.New(cfg.KeyDir, nil)
	if err != nil {
		log.Fatalf("custody: %v", err)
	}
	defer custodian.Close()

	svc, err := auth.NewService(store, custodian,
		auth.WithGatewayTTL(cfg.GatewayTTL),
		auth.WithAuthorityTTL(cfg.AuthorityTTL),
		auth.WithChannelTTL(cfg.ChannelTTL),
		auth.WithCacheSize(cfg.CacheSize),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	var bootOpts []trust.Option
	if cfg.RootKeyPath != "" {
		bootOpts = append(bootOpts, trust.WithRootKeyFile(cfg.RootKeyPath))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svc.Bootstrap(ctx, cfg.SeedPath, bootOpts...); err != nil {
		cancel()
		log.Fatalf("bootstrap: %v", err)
	}
	cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		sys, err := svc.SystemAuthority()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":           "ready",
			"system_authority": sys.ID,
		})
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aegisd %s on %s (store=%s)", version, srv.Addr, cfg.StoreDriver)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func openStore(cfg config.Config) (wa.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := pg.Open(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return wa.NewInMemoryStore(), func() {}, nil
	default:
		s, err := sqlite.Open(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}
