package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/backend"
	"github.com/ariefcatur/edgewood-kitchen/internal/checkout"
	"github.com/ariefcatur/edgewood-kitchen/internal/config"
	"github.com/ariefcatur/edgewood-kitchen/internal/httpx"
	"github.com/ariefcatur/edgewood-kitchen/internal/metrics"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/ariefcatur/edgewood-kitchen/internal/storefront"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-storefront"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transitions, err := orders.TransitionsByName(cfg.OrderTransitions)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	sessions := storefront.NewManager(&redisx.SessionStore{RDB: rdb, TTL: cfg.SessionTTL})
	sessions.IdleTTL = cfg.SessionIdleTTL
	sessions.MaxSessions = cfg.MaxSessions

	kitchen := backend.NewClient(cfg.BackendURL, cfg.CheckoutCallTimeout)
	m := metrics.New(prometheus.DefaultRegisterer, service)
	pay := checkout.New(kitchen, kitchen, checkout.NewRefGenerator(cfg.AccountRefPrefix), cfg.CheckoutCallTimeout, m)
	pay.Service = service

	router := httpx.NewRouter(m)
	sf := &httpx.StorefrontHandler{
		Sessions: sessions,
		Auth:     kitchen,
		Orders:   kitchen,
		Checkout: pay,
		Machine:  orders.NewMachine(kitchen, transitions),
		Timeout:  cfg.CheckoutCallTimeout,
		Service:  service,
	}
	sf.Register(router)

	srv := &http.Server{Addr: cfg.StorefrontAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("storefront listening at %s (backend %s)", cfg.StorefrontAddr, cfg.BackendURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("storefront exit: %v", err)
	}

	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sessions.Flush(fctx); err != nil {
		log.Printf("session flush: %v", err)
	}
}
