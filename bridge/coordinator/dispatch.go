package coordinator

import (
	"context"
	"log/slog"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
)

// HandlerFunc processes one verified inbound activity.
type HandlerFunc func(ctx context.Context, act *activity.Activity) error

// Registry maps activity types to handler lists. Handlers run in
// registration order; types with no handler are acknowledged and dropped.
type Registry struct {
	handlers map[activity.Type][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[activity.Type][]HandlerFunc{}}
}

// On appends a handler for an activity type.
func (r *Registry) On(typ activity.Type, fn HandlerFunc) *Registry {
	r.handlers[typ] = append(r.handlers[typ], fn)
	return r
}

// Dispatch invokes every handler registered for the activity's type.
// Each failure is logged and the rest still run; the first error is
// returned so a queue worker can retry the job, which handlers tolerate
// by being idempotent.
func (r *Registry) Dispatch(ctx context.Context, act *activity.Activity) error {
	handlers := r.handlers[act.Type]
	if len(handlers) == 0 {
		slog.Debug("No handler for activity type", "type", act.Type, "activity", act.ID)
		return nil
	}
	var first error
	for _, fn := range handlers {
		if err := fn(ctx, act); err != nil {
			slog.Error("Activity handler failed", "type", act.Type, "activity", act.ID, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// DefaultRegistry wires the coordinator's handler for every activity
// type the bridge processes.
func (c *Coordinator) DefaultRegistry() *Registry {
	r := NewRegistry()
	r.On(activity.TypeCreate, c.HandleCreate)
	r.On(activity.TypeUpdate, c.HandleUpdate)
	r.On(activity.TypeDelete, c.HandleDelete)
	r.On(activity.TypeFollow, c.HandleFollow)
	r.On(activity.TypeAccept, c.HandleAccept)
	r.On(activity.TypeReject, c.HandleReject)
	r.On(activity.TypeUndo, c.HandleUndo)
	r.On(activity.TypeLike, c.HandleLike)
	r.On(activity.TypeAnnounce, c.HandleAnnounce)
	r.On(activity.TypeBlock, c.HandleBlock)
	r.On(activity.TypeFlag, c.HandleFlag)
	return r
}
