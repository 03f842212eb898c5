// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
)

// requeueDelay spaces out redeliveries of messages a handler handed back.
const requeueDelay = time.Second

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	stream     string
	consumer   string
	ackWait    time.Duration
	maxDeliver int

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("taskforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{"tasks.>", "budget.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	maxDeliver := cfg.MaxDeliver
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Queue{
		nc:         nc,
		js:         js,
		stream:     cfg.Stream,
		consumer:   cfg.Consumer,
		ackWait:    cfg.AckWait,
		maxDeliver: maxDeliver,
	}, nil
}

// JetStream exposes the JetStream context for KV buckets sharing this connection.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

func newMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(messagequeue.HeaderRequestID, id)
	}
	return msg
}

// Publish sends a message to the given subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := q.js.PublishMsg(ctx, newMsg(ctx, subject, data)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// PublishDelayed stamps the message with a not-before time. Consumers nak it
// with the remaining delay until that time has passed.
func (q *Queue) PublishDelayed(ctx context.Context, subject string, data []byte, delay time.Duration) error {
	msg := newMsg(ctx, subject, data)
	if delay > 0 {
		notBefore := time.Now().Add(delay).UnixMilli()
		msg.Header.Set(messagequeue.HeaderNotBefore, strconv.FormatInt(notBefore, 10))
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// durableName derives a consumer name from the subject; '.' is not allowed in names.
func (q *Queue) durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return q.consumer + "-" + r.Replace(subject)
}

// Subscribe binds handler to a durable consumer shared by every subscriber of subject.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		// Delivery limits are enforced in handle so exhausted messages are
		// dead-lettered rather than silently dropped by the server.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	q.mu.Lock()
	q.consumes = append(q.consumes, cons)
	q.mu.Unlock()
	return cons.Stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	if nb := msg.Headers().Get(messagequeue.HeaderNotBefore); nb != "" {
		if ms, err := strconv.ParseInt(nb, 10, 64); err == nil {
			if wait := time.Until(time.UnixMilli(ms)); wait > 0 {
				if err := msg.NakWithDelay(wait); err != nil {
					slog.Error("nats nak failed", "subject", msg.Subject(), "error", err)
				}
				return
			}
		}
	}

	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	hctx := ctx
	if id := msg.Headers().Get(messagequeue.HeaderRequestID); id != "" {
		hctx = logger.WithRequestID(ctx, id)
	}

	err := handler(hctx, msg.Subject(), msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "subject", msg.Subject(), "error", ackErr)
		}
		return
	}

	// One extra delivery covers the not-before nak of a delayed message.
	exhausted := delivered >= uint64(q.maxDeliver)+1

	if errors.Is(err, messagequeue.ErrRequeue) {
		if exhausted {
			slog.InfoContext(hctx, "requeued message dropped", "subject", msg.Subject(), "deliveries", delivered)
			if termErr := msg.Term(); termErr != nil {
				slog.Error("nats term failed", "error", termErr)
			}
			return
		}
		_ = msg.NakWithDelay(requeueDelay)
		return
	}

	slog.ErrorContext(hctx, "message handler failed", "subject", msg.Subject(), "deliveries", delivered, "error", err)
	if !exhausted {
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	q.deadLetter(hctx, msg, delivered, err)
}

// deadLetter republishes an exhausted message to the dead-letter subject and
// terminates it. If the dead-letter publish fails the message is nak'd instead
// so it is not lost.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg, delivered uint64, cause error) {
	payload, _ := json.Marshal(messagequeue.DeadLetterPayload{
		Subject:    msg.Subject(),
		Data:       msg.Data(),
		Deliveries: delivered,
		Error:      cause.Error(),
	})
	if err := q.Publish(ctx, messagequeue.SubjectTaskDeadLetter, payload); err != nil {
		slog.ErrorContext(ctx, "dead-letter publish failed", "subject", msg.Subject(), "error", err)
		_ = msg.Nak()
		return
	}
	slog.WarnContext(ctx, "message dead-lettered", "subject", msg.Subject(), "deliveries", delivered)
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "error", err)
	}
}

// Drain stops all consumers, lets in-flight handlers finish and closes the connection.
func (q *Queue) Drain() error {
	q.mu.Lock()
	consumes := q.consumes
	q.consumes = nil
	q.mu.Unlock()

	for _, c := range consumes {
		c.Drain()
	}
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is live.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
