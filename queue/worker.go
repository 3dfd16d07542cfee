package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/metrics"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// ackWait is how long the broker waits for an ack before redelivering;
// it is also the per-job deadline, so a job never runs into its own
// redelivery.
const ackWait = 30 * time.Second

// Handlers are the domain callbacks the consumers dispatch to. A handler
// error is classified through the bridge taxonomy: retryable kinds nak
// with backoff, permanent ones dead-letter the job.
type Handlers struct {
	TranslateOut func(ctx context.Context, job *TranslateOutJob) error
	TranslateIn  func(ctx context.Context, job *TranslateInJob) error
	Deliver      func(ctx context.Context, job *DeliveryJob) error
}

// Config tunes the consumer side.
type Config struct {
	// Workers is the pool size for the translate-in and deliver queues.
	Workers int
	// JobsPerSec rate-limits each queue's pool as a whole.
	JobsPerSec int
	// MaxAttempts bounds deliveries of one job before dead-lettering.
	MaxAttempts int
	// BackoffCap caps the exponential retry delay.
	BackoffCap time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.JobsPerSec <= 0 {
		c.JobsPerSec = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 64 * time.Second
	}
}

// Workers runs the three consumer groups against a connected Queue.
type Workers struct {
	queue    *Queue
	store    *store.Store
	config   Config
	handlers Handlers
	metrics  *metrics.Metrics

	subs []*nats.Subscription
}

// NewWorkers wires the consumer side. metrics may be nil.
func NewWorkers(q *Queue, st *store.Store, config Config, handlers Handlers, m *metrics.Metrics) *Workers {
	config.normalize()
	return &Workers{
		queue:    q,
		store:    st,
		config:   config,
		handlers: handlers,
		metrics:  m,
	}
}

// Start subscribes every consumer. Translate-out gets one strictly
// ordered subscription per lane; translate-in and deliver get queue
// groups of Config.Workers members sharing one rate limiter each.
func (w *Workers) Start(ctx context.Context) error {
	outLimiter := rate.NewLimiter(rate.Limit(w.config.JobsPerSec), w.config.JobsPerSec)
	for lane := 0; lane < translateOutLanes; lane++ {
		subject := fmt.Sprintf("%s%d", subjectTranslateOutPrefix, lane)
		durable := fmt.Sprintf("bridge-translate-out-%02d", lane)
		sub, err := w.queue.js.Subscribe(subject,
			w.consume(ctx, "translate_out", outLimiter, func(ctx context.Context, data []byte) error {
				job := &TranslateOutJob{}
				if err := json.Unmarshal(data, job); err != nil {
					return bridgeerr.Validation("queue.bad_job", "translate-out payload does not decode").Wrap(err)
				}
				return w.handlers.TranslateOut(ctx, job)
			}),
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(w.config.MaxAttempts+2),
			// One outstanding message per lane keeps the lane FIFO even
			// across redeliveries.
			nats.MaxAckPending(1),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", subject)
		}
		w.subs = append(w.subs, sub)
	}

	inLimiter := rate.NewLimiter(rate.Limit(w.config.JobsPerSec), w.config.JobsPerSec)
	for i := 0; i < w.config.Workers; i++ {
		sub, err := w.queue.js.QueueSubscribe(SubjectTranslateIn, "bridge-translate-in",
			w.consume(ctx, "translate_in", inLimiter, func(ctx context.Context, data []byte) error {
				job := &TranslateInJob{}
				if err := json.Unmarshal(data, job); err != nil {
					return bridgeerr.Validation("queue.bad_job", "translate-in payload does not decode").Wrap(err)
				}
				return w.handlers.TranslateIn(ctx, job)
			}),
			nats.Durable("bridge-translate-in"),
			nats.ManualAck(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(w.config.MaxAttempts+2),
		)
		if err != nil {
			return errors.Wrap(err, "failed to subscribe to translate-in")
		}
		w.subs = append(w.subs, sub)
	}

	deliverLimiter := rate.NewLimiter(rate.Limit(w.config.JobsPerSec), w.config.JobsPerSec)
	for i := 0; i < w.config.Workers; i++ {
		sub, err := w.queue.js.QueueSubscribe(SubjectDeliver, "bridge-deliver",
			w.consume(ctx, "deliver", deliverLimiter, func(ctx context.Context, data []byte) error {
				job := &DeliveryJob{}
				if err := json.Unmarshal(data, job); err != nil {
					return bridgeerr.Validation("queue.bad_job", "delivery payload does not decode").Wrap(err)
				}
				return w.handlers.Deliver(ctx, job)
			}),
			nats.Durable("bridge-deliver"),
			nats.ManualAck(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(w.config.MaxAttempts+2),
		)
		if err != nil {
			return errors.Wrap(err, "failed to subscribe to deliver")
		}
		w.subs = append(w.subs, sub)
	}

	slog.Info("Queue consumers started",
		"lanes", translateOutLanes, "workers", w.config.Workers, "jobs_per_sec", w.config.JobsPerSec)
	return nil
}

// Stop drains every subscription, letting in-flight callbacks finish.
func (w *Workers) Stop() {
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("Failed to drain queue subscription", "subject", sub.Subject, "error", err)
		}
	}
	w.subs = nil
}

type jobFunc func(ctx context.Context, data []byte) error

// consume wraps a handler with the shared retry discipline: rate limit,
// attempt accounting, error classification, and the dead-letter handoff.
func (w *Workers) consume(ctx context.Context, queue string, limiter *rate.Limiter, fn jobFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := limiter.Wait(ctx); err != nil {
			// Shutting down; the broker redelivers after AckWait.
			return
		}
		attempt := 1
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}

		jobCtx, cancel := context.WithTimeout(ctx, ackWait)
		err := fn(jobCtx, msg.Data)
		cancel()

		if err == nil {
			w.metrics.RecordQueueJob(queue, "ok")
			if aerr := msg.Ack(); aerr != nil {
				slog.Warn("Failed to ack queue message", "subject", msg.Subject, "error", aerr)
			}
			return
		}

		if !bridgeerr.Retryable(err) || attempt >= w.config.MaxAttempts {
			w.deadLetter(ctx, queue, msg, attempt, err)
			return
		}

		delay := retryDelay(attempt, w.config.BackoffCap, err)
		slog.Warn("Queue job failed, scheduling retry",
			"subject", msg.Subject, "attempt", attempt, "delay", delay, "error", err)
		w.metrics.RecordQueueJob(queue, "retry")
		if nerr := msg.NakWithDelay(delay); nerr != nil {
			slog.Warn("Failed to nak queue message", "subject", msg.Subject, "error", nerr)
		}
	}
}

// deadLetter persists the job for the admin API, then acks it off the
// stream. When the row cannot be written the message is nacked instead;
// losing it entirely would be worse than another redelivery.
func (w *Workers) deadLetter(ctx context.Context, queue string, msg *nats.Msg, attempt int, cause error) {
	_, err := w.store.CreateDeadLetter(ctx, &store.DeadLetter{
		Queue:     msg.Subject,
		Payload:   msg.Data,
		LastError: cause.Error(),
		Attempts:  attempt,
		CreatedTs: time.Now().Unix(),
	})
	if err != nil {
		slog.Error("Failed to record dead letter", "subject", msg.Subject, "error", err)
		if nerr := msg.NakWithDelay(retryDelay(attempt, w.config.BackoffCap, cause)); nerr != nil {
			slog.Warn("Failed to nak queue message", "subject", msg.Subject, "error", nerr)
		}
		return
	}
	slog.Warn("Queue job dead-lettered",
		"subject", msg.Subject, "attempts", attempt, "error", cause)
	w.metrics.RecordQueueJob(queue, "dead")
	if aerr := msg.Ack(); aerr != nil {
		slog.Warn("Failed to ack dead-lettered message", "subject", msg.Subject, "error", aerr)
	}
}

// retryDelay doubles from one second per attempt up to the cap, plus up
// to half again of jitter. A remote Retry-After hint wins when longer.
func retryDelay(attempt int, capDelay time.Duration, cause error) time.Duration {
	if capDelay <= 0 {
		capDelay = 64 * time.Second
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	delay := time.Second << shift
	if delay > capDelay {
		delay = capDelay
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	if ra := bridgeerr.RetryAfterOf(cause); ra > delay {
		delay = ra
	}
	return delay
}
