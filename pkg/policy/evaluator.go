package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator derives the effective policy. It is a pure function of its
// inputs; the only state it keeps is a compile cache for profile guard
// expressions, which does not affect results.
type Evaluator struct {
	env   *cel.Env
	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewEvaluator builds the CEL environment the profile guards run in.
// Guards see the two runtime facts and nothing else.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("authenticated", cel.BoolType),
		cel.Variable("secure_context", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate derives a fresh Policy. It never reuses a previously derived
// Policy: every policy-relevant state change requires re-evaluation.
func (e *Evaluator) Evaluate(cfg Static, facts Facts) (Policy, error) {
	p := Policy{
		Mode:                   cfg.Mode,
		Profile:                cfg.Profile.Name,
		AuthRequired:           cfg.AuthRequired,
		SecureContextRequired:  cfg.SecureContextRequired,
		SecureContextSatisfied: facts.SecureContext,
		Authenticated:          facts.Authenticated,
		ConfiguredAsrProvider:  cfg.ConfiguredProvider,
		EffectiveAsrProvider:   cfg.ConfiguredProvider,
		RemoteSyncConfigured:   cfg.RemoteSyncConfigured,
	}

	// Strict mode forces both requirements regardless of configuration.
	if cfg.Mode == ModeStrict {
		p.AuthRequired = true
		p.SecureContextRequired = true
	}

	egress := cfg.Profile.NetworkEgressAllowed
	if cfg.Mode == ModeLocalOnly {
		egress = false
	}
	if egress && cfg.Profile.Guard != "" {
		ok, err := e.guard(cfg.Profile.Guard, facts)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: profile %q guard: %w", cfg.Profile.Name, err)
		}
		// A failed guard withdraws egress rather than failing open.
		egress = ok
	}
	p.NetworkEgressAllowed = egress

	audioEgress := egress && cfg.Profile.AudioEgressAllowed && cfg.Mode != ModeLocalOnly
	if !audioEgress && p.EffectiveAsrProvider == ProviderCloudStreaming {
		p.EffectiveAsrProvider = ProviderLocalStreaming
		p.AsrProviderDowngraded = true
	}

	p.RemoteSyncEffective = p.RemoteSyncConfigured && p.NetworkEgressAllowed
	return p, nil
}

func (e *Evaluator) guard(expr string, facts Facts) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"authenticated":  facts.Authenticated,
		"secure_context": facts.SecureContext,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not evaluate to bool")
	}
	return allowed, nil
}

// program compiles the expression once and caches it keyed on the source.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile: %w", iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
