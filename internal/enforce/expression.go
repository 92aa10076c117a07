package enforce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/clan/internal/rules"
)

var (
	ErrInvalidExpression = errors.New("invalid rule expression")
	ErrEvaluationFailed  = errors.New("rule expression evaluation failed")
)

// ExpressionEvaluator runs "cel:" rules. The expression describes the
// violation: when it evaluates to true the action is denied.
//
// Variables: action, actor, actor_role, target, target_role, content,
// file_name (strings); file_size, hour, minute, weekday (ints); attrs
// (map of strings).
type ExpressionEvaluator struct {
	env   *cel.Env
	cache sync.Map // map[string]cel.Program
	now   func() time.Time
}

// NewExpressionEvaluator builds the CEL environment.
func NewExpressionEvaluator() (*ExpressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("actor_role", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("target_role", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("file_name", cel.StringType),
		cel.Variable("file_size", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &ExpressionEvaluator{env: env, now: time.Now}, nil
}

// Compile parses and type-checks an expression, with or without the
// "cel:" prefix. Compiled programs are cached.
func (e *ExpressionEvaluator) Compile(expression string) (cel.Program, error) {
	expression = stripPrefix(expression)
	if cached, ok := e.cache.Load(expression); ok {
		if prg, ok := cached.(cel.Program); ok {
			return prg, nil
		}
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidExpression, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	e.cache.Store(expression, prg)
	return prg, nil
}

// Validate reports whether a rule's expression compiles.
func (e *ExpressionEvaluator) Validate(ruleText string) error {
	_, err := e.Compile(ruleText)
	return err
}

// Evaluate implements Evaluator.
func (e *ExpressionEvaluator) Evaluate(_ context.Context, ruleText string, action Action, actx *Context) (*Denial, error) {
	prg, err := e.Compile(ruleText)
	if err != nil {
		return nil, err
	}

	at := actx.At
	if at.IsZero() {
		at = e.now()
	}
	attrs := actx.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"action":      string(action),
		"actor":       actx.Actor,
		"actor_role":  string(actx.ActorRole),
		"target":      actx.Target,
		"target_role": string(actx.TargetRole),
		"content":     actx.Content,
		"file_name":   actx.FileName,
		"file_size":   actx.FileSize,
		"hour":        int64(at.Hour()),
		"minute":      int64(at.Minute()),
		"weekday":     int64(at.Weekday()),
		"attrs":       attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}
	violated, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("%w: expression must return bool, got %T", ErrEvaluationFailed, out.Value())
	}
	if !violated {
		return nil, nil
	}
	return &Denial{Category: rules.CategoryExpression, Reason: "violates rule: " + stripPrefix(ruleText)}, nil
}

func stripPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= len(ExpressionPrefix) && strings.EqualFold(s[:len(ExpressionPrefix)], ExpressionPrefix) {
		s = s[len(ExpressionPrefix):]
	}
	return strings.TrimSpace(s)
}
