package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

type fakeDriver struct {
	store.Driver
	blocks []*store.Block
}

func (d *fakeDriver) ListBlocks(_ context.Context, find *store.FindBlock) ([]*store.Block, error) {
	var out []*store.Block
	for _, b := range d.blocks {
		if find.BlockType != nil && b.BlockType != *find.BlockType {
			continue
		}
		if find.AdminWide && b.BlockerID != nil {
			continue
		}
		if find.BlockedInstance != nil && (b.BlockedInstance == nil || *b.BlockedInstance != *find.BlockedInstance) {
			continue
		}
		if find.BlockerID != nil && (b.BlockerID == nil || *b.BlockerID != *find.BlockerID) {
			continue
		}
		if find.BlockedUserID != nil && (b.BlockedUserID == nil || *b.BlockedUserID != *find.BlockedUserID) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func newTestEngine(t *testing.T, config Config, blocks ...*store.Block) *Engine {
	t.Helper()
	st := store.New(&fakeDriver{blocks: blocks}, &profile.Profile{})
	engine, err := NewEngine(config, st)
	require.NoError(t, err)
	return engine
}

func TestNewEngineCompilesRules(t *testing.T) {
	engine := newTestEngine(t, Config{
		Rules: `type == "Like" && actor_host == "spam.example"; mime == "image/gif"`,
	})
	assert.Equal(t, 2, engine.RuleCount())
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	st := store.New(&fakeDriver{}, &profile.Profile{})

	_, err := NewEngine(Config{Rules: `type ==`}, st)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindConfiguration, bridgeerr.KindOf(err))

	// compiles, but yields a string instead of a bool
	_, err = NewEngine(Config{Rules: `actor_host`}, st)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindConfiguration, bridgeerr.KindOf(err))
}

func TestCheckIngressStaticInstanceBlock(t *testing.T) {
	engine := newTestEngine(t, Config{BlockedInstances: []string{" Evil.Example "}})

	err := engine.CheckIngress(context.Background(), &Activity{Type: "Create", ActorHost: "evil.example"})
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))

	assert.NoError(t, engine.CheckIngress(context.Background(), &Activity{Type: "Create", ActorHost: "fine.example"}))
}

func TestCheckIngressAdminWideBlockRow(t *testing.T) {
	host := "bad.example"
	engine := newTestEngine(t, Config{}, &store.Block{
		BlockType:       store.BlockTypeInstance,
		BlockedInstance: &host,
	})

	err := engine.CheckIngress(context.Background(), &Activity{ActorHost: "bad.example"})
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))
	assert.NoError(t, engine.CheckIngress(context.Background(), &Activity{ActorHost: "good.example"}))
}

func TestCheckIngressUserBlock(t *testing.T) {
	blocker, blocked := int64(7), int64(9)
	engine := newTestEngine(t, Config{}, &store.Block{
		BlockType:     store.BlockTypeUser,
		BlockerID:     &blocker,
		BlockedUserID: &blocked,
	})

	err := engine.CheckIngress(context.Background(), &Activity{
		ActorHost:   "social.example.org",
		LocalUserID: &blocker,
		ActorUserID: &blocked,
	})
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))

	// the block is directional
	assert.NoError(t, engine.CheckIngress(context.Background(), &Activity{
		ActorHost:   "social.example.org",
		LocalUserID: &blocked,
		ActorUserID: &blocker,
	}))
}

func TestCheckIngressRuleMatch(t *testing.T) {
	engine := newTestEngine(t, Config{Rules: `type == "Like" && actor_host == "noisy.example"`})

	err := engine.CheckIngress(context.Background(), &Activity{Type: "Like", ActorHost: "Noisy.Example"})
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))

	var berr *bridgeerr.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "policy.rule_matched", berr.Code)

	assert.NoError(t, engine.CheckIngress(context.Background(), &Activity{Type: "Create", ActorHost: "noisy.example"}))
}

func TestCheckEgress(t *testing.T) {
	sender, recipient := int64(1), int64(2)
	host := "walled.example"
	engine := newTestEngine(t, Config{},
		&store.Block{BlockType: store.BlockTypeInstance, BlockedInstance: &host},
		&store.Block{BlockType: store.BlockTypeUser, BlockerID: &sender, BlockedUserID: &recipient},
	)

	err := engine.CheckEgress(context.Background(), "walled.example", nil, nil)
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))

	err = engine.CheckEgress(context.Background(), "open.example", &sender, &recipient)
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))

	assert.NoError(t, engine.CheckEgress(context.Background(), "open.example", &recipient, &sender))
}
