// Package export is the only outbound data path. It moves guard-approved
// structured records to a configured remote sink, and only when the
// effective policy permits remote sync.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
	"github.com/shiftnote-labs/shiftnote/core/pkg/store"
)

var (
	// ErrExportBlocked refuses exports of unapproved results.
	ErrExportBlocked = errors.New("export: result not approved for export")

	// ErrSyncDisabled refuses exports when the effective policy withholds
	// remote sync, even if a sink is configured.
	ErrSyncDisabled = errors.New("export: remote sync not effective under current policy")
)

// Sink stores one serialized record under a key.
type Sink interface {
	Put(ctx context.Context, key string, payload []byte) error
}

// Exporter gates and serializes records for the sink.
type Exporter struct {
	sink Sink
}

// New wraps a sink.
func New(sink Sink) *Exporter {
	return &Exporter{sink: sink}
}

// Export writes one record. Both gates are unconditional: the guard's
// export verdict and the policy's effective sync permission.
func (e *Exporter) Export(ctx context.Context, pol policy.Policy, rec *store.SessionRecord) error {
	if rec == nil || rec.Result == nil || !rec.Result.Safety.ExportAllowed {
		return ErrExportBlocked
	}
	if !pol.RemoteSyncEffective {
		return ErrSyncDisabled
	}
	if e.sink == nil {
		return fmt.Errorf("export: no sink configured")
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("export: marshal record: %w", err)
	}
	payload, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("export: canonicalize record: %w", err)
	}
	key := fmt.Sprintf("handover/%s.json", rec.ID)
	if err := e.sink.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("export: put %s: %w", key, err)
	}
	return nil
}
