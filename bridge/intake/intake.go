// Package intake processes the transaction batches the homeserver pushes
// at the bridge: replay guarding, loop filtering, and per-event dispatch
// to registered handlers. Handlers enqueue translation work; their
// failures are logged and never fail the transaction, because the
// homeserver retries whole transactions and the bridge must not see the
// same events twice.
package intake

import (
	"context"
	"log/slog"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/metrics"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/queue"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// HandlerFunc processes one chat event from a transaction.
type HandlerFunc func(ctx context.Context, event *appservice.Event) error

// Enqueuer is the slice of the queue intake publishes to.
type Enqueuer interface {
	EnqueueTranslateOut(ctx context.Context, job *queue.TranslateOutJob) error
}

// GhostJoiner handles membership events naming a ghost.
type GhostJoiner interface {
	HandleGhostInvite(ctx context.Context, event *appservice.Event) error
}

type Config struct {
	LocalDomain string
	// BotUserID is the bridge's own chat user; its events are loops.
	BotUserID string
}

// Processor validates and dispatches transactions. Safe for concurrent
// use once the handlers are registered.
type Processor struct {
	config   Config
	store    *store.Store
	metrics  *metrics.Metrics
	handlers map[string][]HandlerFunc
}

// NewProcessor builds an empty processor; register handlers with On.
// metrics may be nil.
func NewProcessor(config Config, st *store.Store, m *metrics.Metrics) *Processor {
	return &Processor{
		config:   config,
		store:    st,
		metrics:  m,
		handlers: map[string][]HandlerFunc{},
	}
}

// DefaultProcessor wires the standard handler set: messages, reactions
// and redactions ride the translate-out queue in per-room order, and
// membership invites naming a ghost auto-join.
func DefaultProcessor(config Config, st *store.Store, q Enqueuer, joiner GhostJoiner, m *metrics.Metrics) *Processor {
	p := NewProcessor(config, st, m)
	enqueue := func(ctx context.Context, event *appservice.Event) error {
		return q.EnqueueTranslateOut(ctx, &queue.TranslateOutJob{Event: event})
	}
	p.On(appservice.EventMessage, enqueue)
	p.On(appservice.EventReaction, enqueue)
	p.On(appservice.EventRedaction, enqueue)
	p.On(appservice.EventMember, joiner.HandleGhostInvite)
	return p
}

// On appends a handler for a chat event type.
func (p *Processor) On(eventType string, fn HandlerFunc) *Processor {
	p.handlers[eventType] = append(p.handlers[eventType], fn)
	return p
}

// ProcessTransaction runs one homeserver transaction. Replays return
// without reprocessing; the caller answers them exactly like first
// deliveries. Only the replay-guard write can fail the call.
func (p *Processor) ProcessTransaction(ctx context.Context, txnID string, txn *appservice.Transaction) error {
	inserted, err := p.store.InsertAppserviceTxn(ctx, txnID)
	if err != nil {
		p.metrics.RecordTransaction("error")
		return err
	}
	if !inserted {
		slog.Debug("Skipping replayed transaction", "txn", txnID)
		p.metrics.RecordTransaction("replay")
		return nil
	}

	for _, event := range txn.Events {
		p.dispatch(ctx, event)
	}
	p.metrics.RecordTransaction("ok")
	return nil
}

func (p *Processor) dispatch(ctx context.Context, event *appservice.Event) {
	if event == nil || event.Type == "" {
		return
	}
	if p.looped(event.Sender) {
		p.metrics.RecordIntakeEvent(event.Type, "filtered")
		return
	}
	handlers := p.handlers[event.Type]
	if len(handlers) == 0 {
		p.metrics.RecordIntakeEvent(event.Type, "dropped")
		return
	}

	outcome := "ok"
	for _, fn := range handlers {
		if err := fn(ctx, event); err != nil {
			slog.Error("Intake handler failed", "type", event.Type, "event", event.ID, "error", err)
			outcome = "error"
		}
	}
	p.metrics.RecordIntakeEvent(event.Type, outcome)
}

// looped marks events originating from the bridge itself: its bot and
// every ghost it puppets. Translating them back would echo forever.
func (p *Processor) looped(sender string) bool {
	if sender == "" {
		return false
	}
	return sender == p.config.BotUserID || appservice.IsGhostUserID(sender, p.config.LocalDomain)
}
