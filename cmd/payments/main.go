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
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/payments"
	"github.com/ariefcatur/edgewood-kitchen/internal/postgres"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-payments"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// status changes fan out on the same topic the API publishes to
	pctx, cancelProducer := context.WithCancel(context.Background())
	defer cancelProducer()
	status := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatus, 1024)
	status.Start(pctx)
	dlq := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentCallbackDLQ, 1)
	dlq.Start(pctx)

	m := metrics.New(prometheus.DefaultRegisterer, service)
	svc := &payments.Service{
		Store:           &orders.Repo{DB: db},
		Redis:           rdb,
		Cache:           &redisx.OrderCache{RDB: rdb},
		Producer:        status,
		Metrics:         m,
		ServiceName:     service,
		NotFoundRetries: 5,
		Backoff:         200 * time.Millisecond,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsGroup, orders.TopicPaymentCallback, cfg.PaymentsWorkers)
	cons.MaxAttempts = 10
	cons.Backoff = time.Second
	cons.DeadLetters = dlq
	srv := &http.Server{Addr: cfg.PaymentsMetricsAddr, Handler: httpx.NewRouter(m), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("payments consumer started: group=%s topic=%s workers=%d dlq=%s", cfg.PaymentsGroup, orders.TopicPaymentCallback, cfg.PaymentsWorkers, orders.TopicPaymentCallbackDLQ)
		return cons.Start(gctx, svc.HandlePaymentCallback)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("payments exit: %v", err)
	}

	log.Println("shutting down consumer...")
	status.Close()
	status.WaitClosed()
	dlq.Close()
	dlq.WaitClosed()
}
