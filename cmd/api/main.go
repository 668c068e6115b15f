package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/config"
	"github.com/ariefcatur/edgewood-kitchen/internal/httpx"
	kafkax "github.com/ariefcatur/edgewood-kitchen/internal/kafka"
	"github.com/ariefcatur/edgewood-kitchen/internal/metrics"
	"github.com/ariefcatur/edgewood-kitchen/internal/mpesa"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/postgres"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	pctx, cancelProducers := context.WithCancel(context.Background())
	defer cancelProducers()
	saved := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderSaved, 1024)
	status := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatus, 1024)
	callbacks := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentCallback, 1024)
	producers := []*kafkax.Producer{saved, status, callbacks}
	for _, p := range producers {
		p.Start(pctx)
	}

	m := metrics.New(prometheus.DefaultRegisterer, cfg.ServiceName)
	router := httpx.NewRouter(m)
	api := &httpx.APIHandler{
		Accounts:       users.NewRepo(db, cfg.AdminEmails),
		Orders:         &orders.Repo{DB: db},
		Mpesa:          mpesa.NewClient(cfg.Mpesa),
		Redis:          rdb,
		Cache:          &redisx.OrderCache{RDB: rdb},
		OrderEvents:    saved,
		StatusEvents:   status,
		CallbackEvents: callbacks,
		Service:        cfg.ServiceName,
	}
	api.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
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
		log.Printf("api exit: %v", err)
	}

	// flush queued events before the writers close
	for _, p := range producers {
		p.Close()
	}
	for _, p := range producers {
		p.WaitClosed()
	}
}
