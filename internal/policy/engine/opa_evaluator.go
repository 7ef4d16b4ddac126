package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const sessionQuery = "data.memocrm.session.revoke_prior_device_tokens"

// Built-in session policy. config.single_session_per_device comes from SESSION_POLICY.
const defaultRegoPolicy = `package memocrm.session

default revoke_prior_device_tokens := false

revoke_prior_device_tokens if {
	input.config.single_session_per_device
}
`

// OPAEvaluator evaluates the session policy with an in-process OPA Rego query prepared once at startup.
type OPAEvaluator struct {
	single   bool
	prepared rego.PreparedEvalQuery
	logger   *zap.Logger
}

// NewOPAEvaluator compiles the session policy. single selects single-session-per-device in the built-in policy.
// policyFile, when set, replaces the built-in module; it must define data.memocrm.session.revoke_prior_device_tokens.
func NewOPAEvaluator(ctx context.Context, single bool, policyFile string, logger *zap.Logger) (*OPAEvaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	module := defaultRegoPolicy
	if policyFile != "" {
		b, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("read session policy: %w", err)
		}
		module = string(b)
	}
	compiler, err := ast.CompileModules(map[string]string{"session.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile session policy: %w", err)
	}
	prepared, err := rego.New(
		rego.Query(sessionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare session policy: %w", err)
	}
	return &OPAEvaluator{single: single, prepared: prepared, logger: logger}, nil
}

// EvaluateLogin runs the policy. When evaluation fails or yields nothing, the configured mode decides.
func (e *OPAEvaluator) EvaluateLogin(ctx context.Context, in SessionInput) (SessionDecision, error) {
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(e.buildInput(in)))
	if err != nil {
		e.logger.Warn("session policy evaluation failed, using configured mode", zap.Error(err))
		return e.defaultDecision(), nil
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return e.defaultDecision(), nil
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		e.logger.Warn("session policy returned a non-boolean", zap.Any("value", rs[0].Expressions[0].Value))
		return e.defaultDecision(), nil
	}
	return SessionDecision{RevokePriorDeviceTokens: v}, nil
}

// HealthCheck evaluates the prepared query against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(e.buildInput(SessionInput{DeviceName: "mobile"})))
	if err != nil {
		return fmt.Errorf("eval session policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("session policy query returned no result")
	}
	return nil
}

func (e *OPAEvaluator) buildInput(in SessionInput) map[string]interface{} {
	return map[string]interface{}{
		"config": map[string]interface{}{
			"single_session_per_device": e.single,
		},
		"user": map[string]interface{}{
			"id": in.UserID,
		},
		"device": map[string]interface{}{
			"name": in.DeviceName,
		},
	}
}

func (e *OPAEvaluator) defaultDecision() SessionDecision {
	return SessionDecision{RevokePriorDeviceTokens: e.single}
}

// Static is an Evaluator with a fixed decision, for tests and tools that do not load OPA.
type Static SessionDecision

// EvaluateLogin returns the fixed decision.
func (s Static) EvaluateLogin(context.Context, SessionInput) (SessionDecision, error) {
	return SessionDecision(s), nil
}
