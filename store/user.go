package store

import (
	"context"

	"github.com/pkg/errors"
)

// User represents either a local chat user or a remote fed actor projected
// into chat as a ghost. Exactly one of ChatUserID and FedActorID may be nil.
type User struct {
	ID             int64
	ChatUserID     *string
	FedActorID     *string
	InboxURL       string
	SharedInboxURL string
	DisplayName    string
	AvatarURL      string
	IsGhost        bool
	IsDoublePuppet bool
	// AccessTokenEnc holds the AES-GCM encrypted chat access token for
	// double-puppeted users.
	AccessTokenEnc *string
	PrivateKeyPEM  *string
	PublicKeyPEM   *string
	CreatedTs      int64
	UpdatedTs      int64
}

// HasKeyPair reports whether a signing key pair is stored for the user.
func (u *User) HasKeyPair() bool {
	return u.PrivateKeyPEM != nil && *u.PrivateKeyPEM != "" && u.PublicKeyPEM != nil && *u.PublicKeyPEM != ""
}

type FindUser struct {
	ID         *int64
	ChatUserID *string
	FedActorID *string
	IsGhost    *bool
	Limit      *int
	Offset     *int
}

type UpdateUser struct {
	ID             int64
	InboxURL       *string
	SharedInboxURL *string
	DisplayName    *string
	AvatarURL      *string
	IsDoublePuppet *bool
	AccessTokenEnc *string
	PrivateKeyPEM  *string
	PublicKeyPEM   *string
	UpdatedTs      *int64
}

type DeleteUser struct {
	ID int64
}

func userCacheKeys(user *User) []string {
	keys := make([]string, 0, 2)
	if user.ChatUserID != nil {
		keys = append(keys, "chat:"+*user.ChatUserID)
	}
	if user.FedActorID != nil {
		keys = append(keys, "fed:"+*user.FedActorID)
	}
	return keys
}

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	if create.ChatUserID == nil && create.FedActorID == nil {
		return nil, errors.New("user requires a chat user id or a fed actor id")
	}
	user, err := s.driver.CreateUser(ctx, create)
	if err != nil {
		return nil, err
	}
	if !s.inTx {
		for _, key := range userCacheKeys(user) {
			s.userCache.SetWithDefaultTTL(key, user)
		}
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context, find *FindUser) ([]*User, error) {
	return s.driver.ListUsers(ctx, find)
}

// GetUser returns the single user matching find, or nil when absent.
func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	if !s.inTx {
		if find.ChatUserID != nil {
			if cached, ok := s.userCache.Get("chat:" + *find.ChatUserID); ok {
				return cached, nil
			}
		}
		if find.FedActorID != nil {
			if cached, ok := s.userCache.Get("fed:" + *find.FedActorID); ok {
				return cached, nil
			}
		}
	}

	list, err := s.driver.ListUsers(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	user := list[0]
	if !s.inTx {
		for _, key := range userCacheKeys(user) {
			s.userCache.SetWithDefaultTTL(key, user)
		}
	}
	return user, nil
}

func (s *Store) UpdateUser(ctx context.Context, update *UpdateUser) (*User, error) {
	user, err := s.driver.UpdateUser(ctx, update)
	if err != nil {
		return nil, err
	}
	for _, key := range userCacheKeys(user) {
		s.userCache.Remove(key)
	}
	return user, nil
}

// CountUsers counts the local accounts the bridge projects; ghosts are
// remote actors and do not count toward instance usage.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	return s.driver.CountUsers(ctx)
}

// GetOrCreateUserByFedActor returns the user row for a remote actor,
// creating it on first sighting.
func (s *Store) GetOrCreateUserByFedActor(ctx context.Context, fedActorID string, seed *User) (*User, error) {
	existing, err := s.GetUser(ctx, &FindUser{FedActorID: &fedActorID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if seed == nil {
		seed = &User{}
	}
	seed.FedActorID = &fedActorID
	user, err := s.CreateUser(ctx, seed)
	if err == nil {
		return user, nil
	}
	// Lost a creation race; re-read.
	existing, rerr := s.GetUser(ctx, &FindUser{FedActorID: &fedActorID})
	if rerr == nil && existing != nil {
		return existing, nil
	}
	return nil, err
}

// GetOrCreateUserByChatID returns the user row for a local chat user,
// creating it on first sighting.
func (s *Store) GetOrCreateUserByChatID(ctx context.Context, chatUserID string) (*User, error) {
	existing, err := s.GetUser(ctx, &FindUser{ChatUserID: &chatUserID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	user, err := s.CreateUser(ctx, &User{ChatUserID: &chatUserID})
	if err == nil {
		return user, nil
	}
	existing, rerr := s.GetUser(ctx, &FindUser{ChatUserID: &chatUserID})
	if rerr == nil && existing != nil {
		return existing, nil
	}
	return nil, err
}

// PurgeUser removes the user and every row referencing it in one
// transaction: messages by sender, blocks, follows, then the user itself.
func (s *Store) PurgeUser(ctx context.Context, userID int64) error {
	user, err := s.GetUser(ctx, &FindUser{ID: &userID})
	if err != nil {
		return err
	}
	if user == nil {
		return errors.Errorf("user %d not found", userID)
	}

	err = s.driver.RunInTransaction(ctx, func(d Driver) error {
		if err := d.DeleteMessageMapping(ctx, &DeleteMessageMapping{SenderID: &userID}); err != nil {
			return errors.Wrap(err, "purge messages")
		}
		if err := d.DeleteBlock(ctx, &DeleteBlock{ReferencingUserID: &userID}); err != nil {
			return errors.Wrap(err, "purge blocks")
		}
		if err := d.DeleteFollow(ctx, &DeleteFollow{ReferencingUserID: &userID}); err != nil {
			return errors.Wrap(err, "purge follows")
		}
		if err := d.DeleteUser(ctx, &DeleteUser{ID: userID}); err != nil {
			return errors.Wrap(err, "purge user")
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range userCacheKeys(user) {
		s.userCache.Remove(key)
	}
	return nil
}
