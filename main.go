package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/humlab-speech/approuter/broker"
	"github.com/humlab-speech/approuter/config"
	"github.com/humlab-speech/approuter/eventlog"
	"github.com/humlab-speech/approuter/metadata"
	"github.com/humlab-speech/approuter/router"
	"github.com/humlab-speech/approuter/runtime"
	"github.com/humlab-speech/approuter/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var events broker.Recorder = broker.NopRecorder{}
	var eventDrops func() int64
	if cfg.DatabaseURL != "" {
		store, err := eventlog.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open event log: %v", err)
		}
		defer store.Close()
		events = store
		eventDrops = store.Drops
	}

	rt, err := runtime.NewClient(cfg.Apps)
	if err != nil {
		log.Fatalf("connect to container runtime: %v", err)
	}
	defer rt.Close()

	md := metadata.NewClient(cfg.MetadataBaseURL, cfg.MetadataToken, cfg.ExternalTimeout)
	registry := session.NewRegistry(cfg.PortMin, cfg.PortMax)
	b := broker.New(registry, rt, md, events, cfg.GitBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No traffic is served until every surviving container has been
	// rediscovered, so a restart never routes a live session into a 404.
	reconcileCtx, cancel := context.WithTimeout(ctx, cfg.ReconcileTimeout)
	err = b.Reconcile(reconcileCtx)
	cancel()
	if err != nil {
		log.Fatalf("reconcile sessions: %v", err)
	}

	b.StartReaper(ctx, cfg.ReapInterval)

	r := mux.NewRouter()
	newAPIServer(b, registry, cfg, eventDrops).register(r)
	r.PathPrefix("/").Handler(router.NewProxy(router.New(registry, cfg.SessionCookie)))

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("approuter listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down approuter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
		os.Exit(1)
	}
}
