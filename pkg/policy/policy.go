// Package policy derives the effective privacy policy from static
// configuration plus two runtime facts: authentication state and
// secure-context satisfaction. No other component may infer its own policy.
package policy

import (
	"errors"
	"fmt"
)

// ExecutionMode is the privacy posture of the deployment.
type ExecutionMode string

const (
	ModeStrict      ExecutionMode = "strict"
	ModeHybridOptIn ExecutionMode = "hybrid_opt_in"
	ModeLocalOnly   ExecutionMode = "local_only"
)

// Provider identifies a transcription provider variant.
type Provider string

const (
	ProviderManual         Provider = "manual"
	ProviderLocalStreaming Provider = "local_streaming"
	ProviderLocalBatch     Provider = "local_batch"
	// ProviderCloudStreaming may appear in configuration but is downgraded
	// to ProviderLocalStreaming whenever the profile forbids audio egress.
	ProviderCloudStreaming Provider = "cloud_streaming"
)

// ErrBlocked is the sentinel for policy-refused actions.
var ErrBlocked = errors.New("blocked by privacy policy")

// BlockedError carries the action and the requirement that refused it.
type BlockedError struct {
	Action string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("action %q %v: %s", e.Action, ErrBlocked, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Profile describes a named privacy profile bound in configuration.
type Profile struct {
	Name string `yaml:"name"`

	// NetworkEgressAllowed permits any outbound data movement at all.
	NetworkEgressAllowed bool `yaml:"network_egress_allowed"`

	// AudioEgressAllowed additionally permits raw speech/text to leave
	// the device. False forces provider downgrade to on-device variants.
	AudioEgressAllowed bool `yaml:"audio_egress_allowed"`

	// Guard is an optional CEL expression over the runtime facts. A false
	// or failed guard withdraws network egress for this evaluation.
	Guard string `yaml:"guard,omitempty"`
}

// Static is the configuration slice the evaluator reads. Resolved once per
// policy evaluation; the evaluator never caches derived values across
// evaluations.
type Static struct {
	Mode                  ExecutionMode
	Profile               Profile
	AuthRequired          bool
	SecureContextRequired bool
	ConfiguredProvider    Provider
	RemoteSyncConfigured  bool
}

// Facts are the runtime inputs that change between evaluations.
type Facts struct {
	Authenticated bool
	SecureContext bool
}

// Policy is the derived effective policy. Values are fresh per evaluation
// and must not be cached across auth or context changes.
type Policy struct {
	Mode                   ExecutionMode
	Profile                string
	AuthRequired           bool
	SecureContextRequired  bool
	SecureContextSatisfied bool
	Authenticated          bool
	ConfiguredAsrProvider  Provider
	EffectiveAsrProvider   Provider
	AsrProviderDowngraded  bool
	RemoteSyncConfigured   bool
	RemoteSyncEffective    bool
	NetworkEgressAllowed   bool
}

// Gate refuses the named action when an auth or secure-context requirement
// is unsatisfied. The returned error wraps ErrBlocked.
func (p Policy) Gate(action string) error {
	if p.AuthRequired && !p.Authenticated {
		return &BlockedError{Action: action, Reason: "authentication required"}
	}
	if p.SecureContextRequired && !p.SecureContextSatisfied {
		return &BlockedError{Action: action, Reason: "secure context required"}
	}
	return nil
}

// SyncBlocked reports a configured-but-withheld remote sync. Callers must
// de-duplicate audit records for it with a OneShot latch, armed once per
// evaluation cycle.
func (p Policy) SyncBlocked() bool {
	return p.RemoteSyncConfigured && !p.RemoteSyncEffective
}

// OneShot is an explicit idempotency latch. Arm re-arms it at the start of
// an evaluation cycle; Fire returns true exactly once per arming.
type OneShot struct {
	armed bool
}

func (o *OneShot) Arm() { o.armed = true }

func (o *OneShot) Fire() bool {
	if !o.armed {
		return false
	}
	o.armed = false
	return true
}
