// Package payments applies M-Pesa callback results to stored orders. It
// runs as a Kafka consumer behind the callback endpoint so a slow database
// never makes Daraja retry the callback.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkax "github.com/ariefcatur/edgewood-kitchen/internal/kafka"
	"github.com/ariefcatur/edgewood-kitchen/internal/logging"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

type Store interface {
	ApplyPayment(ctx context.Context, p orders.PaymentCallbackPayload) (string, orders.Status, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Recorder interface {
	PaymentApplied(status string)
}

type Service struct {
	Store       Store
	Redis       redis.Cmdable
	Cache       *redisx.OrderCache
	Producer    Publisher // kitchen.order.status
	Metrics     Recorder
	ServiceName string

	// The callback can beat save_order to the database. Retry a missing
	// order this many times, Backoff apart.
	NotFoundRetries int
	Backoff         time.Duration
}

// HandlePaymentCallback is the consumer handler for TopicPaymentCallback.
func (s *Service) HandlePaymentCallback(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventPaymentCallback {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.PaymentCallbackPayload](env.Payload)
	if err != nil {
		return err
	}

	// Daraja may call back more than once for the same push.
	claimed, err := redisx.ClaimOnce(ctx, s.Redis, "payments", p.CheckoutRequestID)
	if err != nil {
		return err
	}
	if !claimed {
		s.log(env.EventID, "", p.CheckoutRequestID, "duplicate", "")
		return nil
	}

	orderID, status, err := s.apply(ctx, p)
	if err != nil {
		_ = redisx.Unclaim(ctx, s.Redis, "payments", p.CheckoutRequestID)
		s.log(env.EventID, "", p.CheckoutRequestID, "failed", err.Error())
		return err
	}

	if s.Cache != nil {
		_ = s.Cache.Invalidate(ctx, orderID)
	}
	if s.Metrics != nil {
		s.Metrics.PaymentApplied(string(status))
	}
	s.log(env.EventID, orderID, p.CheckoutRequestID, string(status), p.ResultDesc)
	return s.publishStatus(orderID, status, env.TraceID)
}

func (s *Service) apply(ctx context.Context, p orders.PaymentCallbackPayload) (string, orders.Status, error) {
	for attempt := 0; ; attempt++ {
		orderID, status, err := s.Store.ApplyPayment(ctx, p)
		if !errors.Is(err, orders.ErrNotFound) || attempt >= s.NotFoundRetries {
			return orderID, status, err
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(s.Backoff):
		}
	}
}

func (s *Service) publishStatus(orderID string, status orders.Status, trace string) error {
	if s.Producer == nil {
		return nil
	}
	env, err := kafkax.NewEnvelope(orders.EventOrderStatusChanged, s.ServiceName, orderID,
		orders.OrderStatusChangedPayload{OrderID: orderID, Status: status})
	if err != nil {
		return err
	}
	env.TraceID = trace
	s.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}

func (s *Service) log(eventID, orderID, checkoutID, status, msg string) {
	logging.Log(logging.Fields{
		Service:           s.ServiceName,
		EventID:           eventID,
		OrderID:           orderID,
		CheckoutRequestID: checkoutID,
		Step:              "apply_payment",
		Status:            status,
		Message:           msg,
	})
}
