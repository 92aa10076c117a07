// Package enforce checks ordinary group actions against the enabled rules.
//
// Enforcement fails open: when rules cannot be loaded or a rule cannot be
// evaluated, the action is allowed and the problem is logged. Every denial
// is logged and recorded in the audit log.
package enforce

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
)

// Action names an ordinary action subject to rules.
type Action string

const (
	ActionSendMessage   Action = "send_message"
	ActionUploadFile    Action = "upload_file"
	ActionRemoveMember  Action = "remove_member"
	ActionPromoteMember Action = "promote_member"
	ActionInviteMember  Action = "invite_member"
)

// Context describes the attempted action.
type Context struct {
	Actor      string            `json:"actor"`
	ActorRole  roster.Role       `json:"actorRole,omitempty"`
	Target     string            `json:"target,omitempty"`
	TargetRole roster.Role       `json:"targetRole,omitempty"`
	Content    string            `json:"content,omitempty"`
	FileName   string            `json:"fileName,omitempty"`
	FileSize   int64             `json:"fileSize,omitempty"`
	At         time.Time         `json:"at,omitzero"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Denial explains why one rule rejects an action.
type Denial struct {
	RuleID   string         `json:"ruleId,omitempty"`
	RuleText string         `json:"ruleText,omitempty"`
	Category rules.Category `json:"category"`
	Reason   string         `json:"reason"`
}

// Decision is the combined verdict of every enabled rule.
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Violations []Denial `json:"violations,omitempty"`
}

// Evaluator decides whether a single rule rejects an action. A nil Denial
// means the rule does not object.
type Evaluator interface {
	Evaluate(ctx context.Context, ruleText string, action Action, actx *Context) (*Denial, error)
}

// RuleSource supplies the enabled rules of a scope.
type RuleSource interface {
	Enabled(ctx context.Context, scope string) ([]*rules.Rule, error)
}

// ExpressionPrefix selects the expression evaluator for a rule.
const ExpressionPrefix = "cel:"

// Enforcer evaluates actions against a scope's enabled rules.
type Enforcer struct {
	rules      RuleSource
	log        *audit.Log
	metrics    *observability.Metrics
	heuristic  Evaluator
	expression Evaluator
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithMetrics counts decisions.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithHeuristic replaces the keyword evaluator.
func WithHeuristic(ev Evaluator) Option {
	return func(e *Enforcer) { e.heuristic = ev }
}

// WithExpression replaces the evaluator for "cel:" rules.
func WithExpression(ev Evaluator) Option {
	return func(e *Enforcer) { e.expression = ev }
}

// New creates an Enforcer with the keyword heuristic and, when its
// environment builds, the CEL evaluator.
func New(src RuleSource, log *audit.Log, opts ...Option) *Enforcer {
	e := &Enforcer{rules: src, log: log, heuristic: NewHeuristic()}
	if ev, err := NewExpressionEvaluator(); err != nil {
		slog.Warn("expression rules disabled", "error", err)
	} else {
		e.expression = ev
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate returns the decision for action in scope.
func (e *Enforcer) Evaluate(ctx context.Context, scope string, action Action, actx *Context) Decision {
	if actx == nil {
		actx = &Context{}
	}
	enabled, err := e.rules.Enabled(ctx, scope)
	if err != nil {
		slog.WarnContext(ctx, "rule load failed, allowing action", "scope", scope, "action", action, "error", err)
		e.count(action, "allow")
		return Decision{Allowed: true}
	}

	var violations []Denial
	for _, r := range enabled {
		ev := e.evaluatorFor(r.Text)
		if ev == nil {
			continue
		}
		d, err := ev.Evaluate(ctx, r.Text, action, actx)
		if err != nil {
			slog.WarnContext(ctx, "rule evaluation failed, ignoring rule", "scope", scope, "rule", r.ID, "error", err)
			continue
		}
		if d == nil {
			continue
		}
		d.RuleID = r.ID
		d.RuleText = r.Text
		violations = append(violations, *d)
	}

	if len(violations) == 0 {
		e.count(action, "allow")
		return Decision{Allowed: true}
	}

	reasons := make([]string, len(violations))
	ids := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.Reason
		ids[i] = v.RuleID
	}
	dec := Decision{Allowed: false, Reason: strings.Join(reasons, "; "), Violations: violations}

	slog.InfoContext(ctx, "action denied by rule", "scope", scope, "action", action, "actor", actx.Actor, "rules", ids, "reason", dec.Reason)
	e.log.Record(ctx, scope, audit.KindRuleViolation, actx.Actor, map[string]any{
		"action": string(action),
		"rules":  ids,
		"reason": dec.Reason,
		"target": actx.Target,
	})
	e.count(action, "deny")
	return dec
}

func (e *Enforcer) evaluatorFor(text string) Evaluator {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), ExpressionPrefix) {
		return e.expression
	}
	return e.heuristic
}

func (e *Enforcer) count(action Action, decision string) {
	if e.metrics != nil {
		e.metrics.EnforcementDecisions.WithLabelValues(string(action), decision).Inc()
	}
}
