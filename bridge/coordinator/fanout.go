package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// FanOut enqueues one delivery per follower inbox for an activity signed
// by senderID. Followers sharing a shared inbox collapse into a single
// delivery; blocked destinations are skipped, not failed. Returns the
// number of deliveries enqueued.
func (c *Coordinator) FanOut(ctx context.Context, senderID int64, payload []byte) (int, error) {
	followers, err := c.store.ListFollowerUsers(ctx, &store.FindFollowerUsers{
		FollowingID: senderID,
		Status:      store.FollowStatusAccepted,
	})
	if err != nil {
		return 0, err
	}

	type target struct {
		inbox  string
		shared bool
		// recipientID is set for personal inboxes so per-user blocks apply.
		recipientID *int64
	}
	targets := make(map[string]target, len(followers))
	for _, follower := range followers {
		if follower.SharedInboxURL != "" {
			targets[follower.SharedInboxURL] = target{inbox: follower.SharedInboxURL, shared: true}
			continue
		}
		if follower.InboxURL == "" {
			continue
		}
		if _, ok := targets[follower.InboxURL]; !ok {
			id := follower.ID
			targets[follower.InboxURL] = target{inbox: follower.InboxURL, recipientID: &id}
		}
	}

	// shared inboxes enqueue first: one POST there reaches the most
	// followers, so they get the head of the deliver queue
	ordered := make([]target, 0, len(targets))
	for _, tgt := range targets {
		ordered = append(ordered, tgt)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].shared != ordered[j].shared {
			return ordered[i].shared
		}
		return ordered[i].inbox < ordered[j].inbox
	})

	enqueued := 0
	for _, tgt := range ordered {
		host, err := inboxHost(tgt.inbox)
		if err != nil {
			slog.Warn("Skipping follower with unparseable inbox", "inbox", tgt.inbox, "error", err)
			continue
		}
		if err := c.policy.CheckEgress(ctx, host, &senderID, tgt.recipientID); err != nil {
			if bridgeerr.KindOf(err) == bridgeerr.KindBlocked {
				slog.Debug("Skipping delivery to blocked destination", "inbox", tgt.inbox)
				continue
			}
			return enqueued, err
		}
		err = c.deliver.EnqueueDelivery(ctx, &Delivery{
			Payload:  payload,
			InboxURL: tgt.inbox,
			SenderID: senderID,
			Shared:   tgt.shared,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// deliverTo enqueues a single targeted delivery after the egress checks.
// A nil recipientID skips the per-user block check, which Block
// notifications need.
func (c *Coordinator) deliverTo(ctx context.Context, env *activity.Envelope, senderID int64, inboxURL string, recipientID *int64) error {
	if inboxURL == "" {
		return bridgeerr.Validation("coordinator.no_inbox", "recipient has no inbox")
	}
	host, err := inboxHost(inboxURL)
	if err != nil {
		return err
	}
	if err := c.policy.CheckEgress(ctx, host, &senderID, recipientID); err != nil {
		return err
	}
	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.deliver.EnqueueDelivery(ctx, &Delivery{
		Payload:  payload,
		InboxURL: inboxURL,
		SenderID: senderID,
	})
}

func marshalEnvelope(env *activity.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, bridgeerr.Validation("coordinator.bad_envelope", "marshaling activity: %v", err)
	}
	return payload, nil
}

func inboxHost(inboxURL string) (string, error) {
	u, err := url.Parse(inboxURL)
	if err != nil || u.Hostname() == "" {
		return "", bridgeerr.Validation("coordinator.bad_inbox", "inbox url %q has no host", inboxURL)
	}
	return u.Hostname(), nil
}
