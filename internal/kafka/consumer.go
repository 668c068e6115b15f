package kafka

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler returns nil only when the message was handled and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetters is satisfied by *Producer.
type DeadLetters interface {
	PublishSync(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type Consumer struct {
	r       Reader
	workers int

	// MaxAttempts is how often a message is handled before it is parked on
	// DeadLetters. Without DeadLetters a failing message is retried until
	// ctx is done and its partition does not move past it.
	MaxAttempts int
	Backoff     time.Duration
	DeadLetters DeadLetters
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers)
}

func newConsumer(r Reader, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, MaxAttempts: 5, Backoff: 500 * time.Millisecond}
}

// Start fetches messages and hands them to the worker pool until ctx is
// cancelled. A partition always goes to the same worker, so offsets are
// committed in order and a commit never skips a message that failed.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	errs := make(chan error, c.workers)

	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if err := c.process(ctx, h, m); err != nil {
					report(errs, err)
					if ctx.Err() != nil {
						return
					}
				}
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}

		// drain without blocking so a slow worker cannot stall the loop
		select {
		case e := <-errs:
			log.Printf("worker error: %v", e)
		default:
		}
	}
}

// process handles m until it succeeds or is dead-lettered, then commits it.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return c.r.CommitMessages(ctx, m)
		}
		log.Printf("handle %s/%d@%d attempt %d: %v", m.Topic, m.Partition, m.Offset, attempt, err)

		if c.DeadLetters != nil && attempt >= c.MaxAttempts {
			derr := c.deadLetter(ctx, m, err)
			if derr == nil {
				return c.r.CommitMessages(ctx, m)
			}
			log.Printf("dead letter %s/%d@%d: %v", m.Topic, m.Partition, m.Offset, derr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff):
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
		kafka.Header{Key: "x-source-topic", Value: []byte(m.Topic)},
		kafka.Header{Key: "x-source-partition", Value: []byte(strconv.Itoa(m.Partition))},
		kafka.Header{Key: "x-source-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
	)
	return c.DeadLetters.PublishSync(ctx, m.Key, m.Value, headers...)
}

// report never blocks a worker; excess errors are logged directly.
func report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
		log.Printf("worker error: %v", err)
	}
}
