package queue

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/circuit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/metrics"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// Poster is the slice of the federation client a delivery needs.
type Poster interface {
	Deliver(ctx context.Context, inboxURL string, payload []byte, keyID string, key *rsa.PrivateKey) error
}

// InstancePolicy answers egress block checks at delivery time. Blocks
// can land between enqueue and delivery, so fan-out's check is repeated
// here.
type InstancePolicy interface {
	InstanceBlocked(host string) bool
}

// DeliveryWorker executes deliver jobs: breaker check, signing key
// lookup, signed POST, breaker bookkeeping. Its Handle method is the
// deliver queue's handler.
type DeliveryWorker struct {
	store   *store.Store
	poster  Poster
	breaker *circuit.Breaker
	policy  InstancePolicy
	baseURL string
	metrics *metrics.Metrics
}

// NewDeliveryWorker wires a delivery worker. policy and m may be nil.
func NewDeliveryWorker(st *store.Store, poster Poster, breaker *circuit.Breaker, pol InstancePolicy, baseURL string, m *metrics.Metrics) *DeliveryWorker {
	return &DeliveryWorker{
		store:   st,
		poster:  poster,
		breaker: breaker,
		policy:  pol,
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: m,
	}
}

// Handle posts one activity to one inbox. Success and 5xx/network
// failures feed the host's circuit; permanent rejections and skips do
// not.
func (w *DeliveryWorker) Handle(ctx context.Context, job *DeliveryJob) error {
	host := hostOf(job.InboxURL)
	if host == "" {
		return bridgeerr.Validation("deliver.bad_inbox", "inbox url %q has no host", job.InboxURL)
	}
	if w.policy != nil && w.policy.InstanceBlocked(host) {
		slog.Info("Skipping delivery to blocked instance", "host", host)
		w.metrics.RecordDelivery("blocked")
		return nil
	}
	if !w.breaker.IsAllowed(host) {
		w.metrics.RecordDelivery("circuit_open")
		return bridgeerr.CircuitOpen(host, w.breaker.OpensUntil(host))
	}

	keyID, key, err := w.signingKey(ctx, job.SenderID)
	if err != nil {
		return err
	}

	err = w.poster.Deliver(ctx, job.InboxURL, job.Payload, keyID, key)
	if err == nil {
		w.breaker.RecordSuccess(host)
		w.metrics.RecordDelivery("ok")
		return nil
	}
	switch bridgeerr.KindOf(err) {
	case bridgeerr.KindFederation:
		w.breaker.RecordFailure(host)
		w.metrics.RecordDelivery("retryable")
	case bridgeerr.KindRateLimit:
		w.metrics.RecordDelivery("rate_limited")
	default:
		w.metrics.RecordDelivery("permanent")
	}
	return err
}

// signingKey loads the sender's key pair, minting and storing one on
// first outbound signing.
func (w *DeliveryWorker) signingKey(ctx context.Context, senderID int64) (string, *rsa.PrivateKey, error) {
	user, err := w.store.GetUser(ctx, &store.FindUser{ID: &senderID})
	if err != nil {
		return "", nil, err
	}
	if user == nil || user.ChatUserID == nil {
		return "", nil, bridgeerr.NotFound("deliver.unknown_sender", "no local sender %d", senderID)
	}
	localpart, _, err := appservice.ParseUserID(*user.ChatUserID)
	if err != nil {
		return "", nil, err
	}
	actorURL := activity.ActorIRI(w.baseURL, localpart)

	if !user.HasKeyPair() {
		user, err = w.mintKeyPair(ctx, user.ID)
		if err != nil {
			return "", nil, err
		}
	}
	key, err := signature.ParsePrivateKey(*user.PrivateKeyPEM)
	if err != nil {
		return "", nil, bridgeerr.Validation("deliver.bad_key", "stored key for sender %d does not parse", senderID).Wrap(err)
	}
	return signature.KeyID(actorURL), key, nil
}

// mintKeyPair generates a pair outside the transaction (keygen is slow)
// and stores it inside one, keeping whichever pair won a concurrent race.
func (w *DeliveryWorker) mintKeyPair(ctx context.Context, userID int64) (*store.User, error) {
	privPEM, pubPEM, err := signature.GenerateKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "failed to mint signing key")
	}
	var user *store.User
	err = w.store.RunInTransaction(ctx, func(tx *store.Store) error {
		fresh, err := tx.GetUser(ctx, &store.FindUser{ID: &userID})
		if err != nil {
			return err
		}
		if fresh == nil {
			return bridgeerr.NotFound("deliver.unknown_sender", "no local sender %d", userID)
		}
		if fresh.HasKeyPair() {
			user = fresh
			return nil
		}
		now := time.Now().Unix()
		user, err = tx.UpdateUser(ctx, &store.UpdateUser{
			ID:            userID,
			PrivateKeyPEM: &privPEM,
			PublicKeyPEM:  &pubPEM,
			UpdatedTs:     &now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
