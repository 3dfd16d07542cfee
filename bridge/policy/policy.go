// Package policy decides whether activities cross the bridge. Blocks are
// checked at ingress and egress; optional drop rules are CEL expressions
// evaluated against activity metadata.
package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// Config carries the static policy surface.
type Config struct {
	// BlockedInstances are hostnames blocked by configuration, in
	// addition to admin-wide block rows.
	BlockedInstances []string
	// Rules are semicolon-separated CEL expressions over {type,
	// actor_host, local_user, mime}; any rule evaluating true drops the
	// activity at ingress.
	Rules string
}

// Activity is the metadata an ingress decision sees.
type Activity struct {
	Type      string
	ActorHost string
	LocalUser string
	MIME      string
	// ActorUserID and LocalUserID enable the per-user block check when
	// both sides are known.
	ActorUserID *int64
	LocalUserID *int64
}

type rule struct {
	expr string
	prg  cel.Program
}

// Engine answers ingress and egress policy questions.
type Engine struct {
	store  *store.Store
	static map[string]bool
	rules  []rule
}

// NewEngine compiles the configured rules. A rule that does not compile
// to a boolean expression is a configuration error.
func NewEngine(config Config, st *store.Store) (*Engine, error) {
	e := &Engine{store: st, static: make(map[string]bool, len(config.BlockedInstances))}
	for _, host := range config.BlockedInstances {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			e.static[host] = true
		}
	}

	exprs := splitRules(config.Rules)
	if len(exprs) == 0 {
		return e, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("actor_host", cel.StringType),
		cel.Variable("local_user", cel.StringType),
		cel.Variable("mime", cel.StringType),
	)
	if err != nil {
		return nil, bridgeerr.Configuration("policy.cel_env", "policy environment does not build").Wrap(err)
	}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, bridgeerr.Configuration("policy.bad_rule", "rule %q does not compile", expr).Wrap(issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, bridgeerr.Configuration("policy.bad_rule", "rule %q yields %s, not bool", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, bridgeerr.Configuration("policy.bad_rule", "rule %q does not build", expr).Wrap(err)
		}
		e.rules = append(e.rules, rule{expr: expr, prg: prg})
	}
	return e, nil
}

func splitRules(raw string) []string {
	var out []string
	for _, expr := range strings.Split(raw, ";") {
		if expr = strings.TrimSpace(expr); expr != "" {
			out = append(out, expr)
		}
	}
	return out
}

// RuleCount reports how many drop rules are active.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// InstanceBlocked reports whether host is blocked by configuration or by
// an admin-wide block row.
func (e *Engine) InstanceBlocked(ctx context.Context, host string) (bool, error) {
	host = strings.ToLower(host)
	if e.static[host] {
		return true, nil
	}
	return e.store.IsInstanceBlocked(ctx, host)
}

// CheckIngress returns a blocked error when an inbound activity must be
// dropped: actor host blocked, actor blocked by the addressed local user,
// or a drop rule matched.
func (e *Engine) CheckIngress(ctx context.Context, act *Activity) error {
	blocked, err := e.InstanceBlocked(ctx, act.ActorHost)
	if err != nil {
		return err
	}
	if blocked {
		return bridgeerr.Blocked("policy.instance_blocked", "instance %s is blocked", act.ActorHost)
	}

	if act.LocalUserID != nil && act.ActorUserID != nil {
		userBlocked, err := e.store.IsUserBlocked(ctx, *act.LocalUserID, *act.ActorUserID)
		if err != nil {
			return err
		}
		if userBlocked {
			return bridgeerr.Blocked("policy.user_blocked", "actor is blocked by the addressed user")
		}
	}

	return e.evalRules(act)
}

// CheckEgress returns a blocked error when a delivery must be skipped:
// destination host blocked, or the recipient blocked by the sender.
func (e *Engine) CheckEgress(ctx context.Context, host string, senderID, recipientID *int64) error {
	blocked, err := e.InstanceBlocked(ctx, host)
	if err != nil {
		return err
	}
	if blocked {
		return bridgeerr.Blocked("policy.instance_blocked", "instance %s is blocked", host)
	}

	if senderID != nil && recipientID != nil {
		userBlocked, err := e.store.IsUserBlocked(ctx, *senderID, *recipientID)
		if err != nil {
			return err
		}
		if userBlocked {
			return bridgeerr.Blocked("policy.user_blocked", "recipient is blocked by the sender")
		}
	}
	return nil
}

func (e *Engine) evalRules(act *Activity) error {
	if len(e.rules) == 0 {
		return nil
	}
	vars := map[string]any{
		"type":       act.Type,
		"actor_host": strings.ToLower(act.ActorHost),
		"local_user": act.LocalUser,
		"mime":       act.MIME,
	}
	for _, r := range e.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			// evaluation errors never drop traffic
			slog.Warn("Policy rule evaluation failed", "rule", r.expr, "error", err)
			continue
		}
		if out == types.True {
			return bridgeerr.Blocked("policy.rule_matched", "drop rule matched").With("rule", r.expr)
		}
	}
	return nil
}
