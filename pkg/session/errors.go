package session

import (
	"errors"

	"github.com/shiftnote-labs/shiftnote/core/pkg/capture"
	"github.com/shiftnote-labs/shiftnote/core/pkg/export"
	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
	"github.com/shiftnote-labs/shiftnote/core/pkg/refine"
	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
	"github.com/shiftnote-labs/shiftnote/core/pkg/store"
)

// ErrorKind is the pipeline's error taxonomy. Every kind is local and
// user-visible; none of them end the session.
type ErrorKind string

const (
	// KindPolicyBlocked: refused by auth/secure-context/profile. Always
	// recoverable by satisfying the requirement; always audited.
	KindPolicyBlocked ErrorKind = "policy_blocked"

	// KindCapabilityUnavailable: the device lacks a required feature.
	// Falls back to manual input where possible.
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"

	// KindTransientProvider: a transcription/refinement call failed or
	// returned empty after bounded retries.
	KindTransientProvider ErrorKind = "transient_provider"

	// KindBudgetExceeded: segment count/length limits hit; rejected
	// outright with no partial state.
	KindBudgetExceeded ErrorKind = "budget_exceeded"

	// KindIntegrityBlock: residual identifying content after
	// sanitization. No retry path other than re-running the guard on
	// edited input.
	KindIntegrityBlock ErrorKind = "integrity_block"

	// KindInternal: anything else. Previously vaulted data stays intact.
	KindInternal ErrorKind = "internal"
)

// Classify maps an error to its taxonomy kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, policy.ErrBlocked),
		errors.Is(err, export.ErrSyncDisabled):
		return KindPolicyBlocked
	case errors.Is(err, capture.ErrCaptureDisabled),
		errors.Is(err, capture.ErrNoDevice),
		errors.Is(err, capture.ErrProviderUnready):
		return KindCapabilityUnavailable
	case errors.Is(err, refine.ErrUnavailable):
		return KindTransientProvider
	case errors.Is(err, segment.ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, store.ErrNotPersistable),
		errors.Is(err, export.ErrExportBlocked):
		return KindIntegrityBlock
	default:
		return KindInternal
	}
}
