// Package queue is the durable conveyance between the bridge's two intake
// surfaces and its workers. Three JetStream streams carry the work:
// translate-out (chat events toward the fed side, FIFO per room),
// translate-in (validated fed activities toward the chat side) and deliver
// (signed inbox POSTs). Jobs that exhaust their retries land in the
// relational dead-letter table for admin inspection and requeue.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/coordinator"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

const (
	StreamTranslateOut = "BRIDGE_TRANSLATE_OUT"
	StreamTranslateIn  = "BRIDGE_TRANSLATE_IN"
	StreamDeliver      = "BRIDGE_DELIVER"

	subjectTranslateOutPrefix = "bridge.translate.out."
	subjectTranslateOutAll    = "bridge.translate.out.*"
	SubjectTranslateIn        = "bridge.translate.in"
	SubjectDeliver            = "bridge.deliver"

	// translateOutLanes is the per-room FIFO fan-in width. A room always
	// hashes onto the same lane, and each lane is consumed strictly in
	// publication order.
	translateOutLanes = 16

	// duplicateWindow is how long the broker suppresses republished
	// message ids, which makes enqueueing idempotent across retries of
	// the producing request.
	duplicateWindow = 2 * time.Minute
)

type Options struct {
	// URL is the broker address, e.g. nats://localhost:4222.
	URL string
	// Name labels the connection in broker monitoring. Defaults to
	// "fedbridge".
	Name string
}

// Queue owns the broker connection and the publish side of the three
// streams. It is safe for concurrent use.
type Queue struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials the broker and provisions the streams.
func Connect(opts Options) (*Queue, error) {
	name := opts.Name
	if name == "" {
		name = "fedbridge"
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to queue broker at %s", opts.URL)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open jetstream context")
	}
	q := &Queue{conn: conn, js: js}
	if err := q.ensureStreams(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStreams() error {
	configs := []*nats.StreamConfig{
		{
			Name:       StreamTranslateOut,
			Subjects:   []string{subjectTranslateOutAll},
			Retention:  nats.WorkQueuePolicy,
			Duplicates: duplicateWindow,
		},
		{
			Name:       StreamTranslateIn,
			Subjects:   []string{SubjectTranslateIn},
			Retention:  nats.WorkQueuePolicy,
			Duplicates: duplicateWindow,
		},
		{
			Name:       StreamDeliver,
			Subjects:   []string{SubjectDeliver},
			Retention:  nats.WorkQueuePolicy,
			Duplicates: duplicateWindow,
		},
	}
	for _, cfg := range configs {
		if _, err := q.js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return errors.Wrapf(err, "failed to ensure stream %s", cfg.Name)
		}
	}
	return nil
}

// Close drains the connection, letting in-flight handlers finish.
func (q *Queue) Close() error {
	return q.conn.Drain()
}

// Ping reports whether the broker connection is usable. The health
// endpoint calls this.
func (q *Queue) Ping() error {
	if !q.conn.IsConnected() {
		return errors.New("queue broker not connected")
	}
	return q.conn.FlushTimeout(2 * time.Second)
}

// StreamDepth returns the number of messages waiting in a stream.
func (q *Queue) StreamDepth(stream string) (uint64, error) {
	info, err := q.js.StreamInfo(stream)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to inspect stream %s", stream)
	}
	return info.State.Msgs, nil
}

// LaneFor maps a room id onto its translate-out lane subject. Events of
// the same room share a lane, and a lane is consumed in order, which
// preserves per-room FIFO.
func LaneFor(roomID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return fmt.Sprintf("%s%d", subjectTranslateOutPrefix, h.Sum32()%translateOutLanes)
}

// EnqueueTranslateOut publishes a chat event onto its room's lane.
func (q *Queue) EnqueueTranslateOut(ctx context.Context, job *TranslateOutJob) error {
	if job.Event == nil || job.Event.RoomID == "" {
		return bridgeerr.Validation("queue.bad_job", "translate-out job lacks an event or room")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal translate-out job")
	}
	_, err = q.js.Publish(LaneFor(job.Event.RoomID), data, nats.Context(ctx), nats.MsgId("out:"+job.Event.ID))
	return errors.Wrap(err, "failed to publish translate-out job")
}

// EnqueueTranslateIn publishes a validated inbound activity for the chat
// side workers.
func (q *Queue) EnqueueTranslateIn(ctx context.Context, job *TranslateInJob) error {
	if job.ActivityID == "" {
		return bridgeerr.Validation("queue.bad_job", "translate-in job lacks an activity id")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal translate-in job")
	}
	_, err = q.js.Publish(SubjectTranslateIn, data, nats.Context(ctx), nats.MsgId("in:"+job.ActivityID))
	return errors.Wrap(err, "failed to publish translate-in job")
}

// EnqueueDelivery publishes one signed-POST job. It implements the
// coordinator's Deliverer contract.
func (q *Queue) EnqueueDelivery(ctx context.Context, d *coordinator.Delivery) error {
	if d.InboxURL == "" {
		return bridgeerr.Validation("queue.bad_job", "delivery job lacks an inbox url")
	}
	job := &DeliveryJob{
		Payload:  d.Payload,
		InboxURL: d.InboxURL,
		SenderID: d.SenderID,
		Shared:   d.Shared,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal delivery job")
	}
	_, err = q.js.Publish(SubjectDeliver, data, nats.Context(ctx), nats.MsgId(deliveryMsgID(d)))
	return errors.Wrap(err, "failed to publish delivery job")
}

// deliveryMsgID derives a stable id from the target inbox and payload so
// the broker collapses duplicate publishes of the same delivery.
func deliveryMsgID(d *coordinator.Delivery) string {
	h := sha256.New()
	h.Write([]byte(d.InboxURL))
	h.Write([]byte{0})
	h.Write(d.Payload)
	return "dlv:" + base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:9])
}

// Requeue republishes a dead-lettered payload onto its original subject.
// No message id is attached: a requeue must be delivered even when the
// original publish is still inside the duplicate window.
func (q *Queue) Requeue(ctx context.Context, subject string, payload []byte) error {
	if !knownSubject(subject) {
		return bridgeerr.Validation("queue.unknown_subject", "subject %q is not a bridge queue", subject)
	}
	_, err := q.js.Publish(subject, payload, nats.Context(ctx))
	return errors.Wrapf(err, "failed to requeue onto %s", subject)
}

func knownSubject(subject string) bool {
	return subject == SubjectTranslateIn ||
		subject == SubjectDeliver ||
		strings.HasPrefix(subject, subjectTranslateOutPrefix)
}
