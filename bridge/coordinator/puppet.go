package coordinator

import (
	"context"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/crypto"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// EnableDoublePuppet stores an access token for a fed actor so their
// inbound posts are sent as the linked chat account instead of the
// ghost. The token is encrypted at rest; only its row flags it.
func (c *Coordinator) EnableDoublePuppet(ctx context.Context, actorURL, accessToken string) error {
	if len(c.config.EncryptionKey) == 0 {
		return bridgeerr.Configuration("coordinator.no_encryption_key",
			"double-puppeting requires an encryption key")
	}
	if accessToken == "" {
		return bridgeerr.Validation("coordinator.empty_token", "access token is required")
	}
	row, err := c.EnsureRemoteUser(ctx, actorURL)
	if err != nil {
		return err
	}
	tokenEnc, err := crypto.EncryptToken(accessToken, c.config.EncryptionKey)
	if err != nil {
		return err
	}
	on := true
	_, err = c.store.UpdateUser(ctx, &store.UpdateUser{
		ID:             row.ID,
		IsDoublePuppet: &on,
		AccessTokenEnc: &tokenEnc,
	})
	return err
}

// DisableDoublePuppet drops the stored token and reverts the actor's
// posts to their ghost.
func (c *Coordinator) DisableDoublePuppet(ctx context.Context, actorURL string) error {
	row, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorURL})
	if err != nil {
		return err
	}
	if row == nil {
		return bridgeerr.NotFound("coordinator.unknown_actor", "no user for actor %s", actorURL)
	}
	off := false
	empty := ""
	_, err = c.store.UpdateUser(ctx, &store.UpdateUser{
		ID:             row.ID,
		IsDoublePuppet: &off,
		AccessTokenEnc: &empty,
	})
	return err
}
