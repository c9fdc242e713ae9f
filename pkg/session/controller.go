// Package session is the controller that owns a handover session end to
// end: generation-based cancellation, the policy evaluation cycle, and
// the wiring from capture through structuring to persist/export.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shiftnote-labs/shiftnote/core/pkg/capture"
	"github.com/shiftnote-labs/shiftnote/core/pkg/config"
	"github.com/shiftnote-labs/shiftnote/core/pkg/deid"
	"github.com/shiftnote-labs/shiftnote/core/pkg/export"
	"github.com/shiftnote-labs/shiftnote/core/pkg/liveview"
	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
	"github.com/shiftnote-labs/shiftnote/core/pkg/refine"
	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
	"github.com/shiftnote-labs/shiftnote/core/pkg/store"
	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
	"github.com/shiftnote-labs/shiftnote/core/pkg/vault"
)

// Deps are the constructed collaborators the controller coordinates. No
// component reads ambient or global state; everything arrives here.
type Deps struct {
	Config    *config.Config
	Evaluator *policy.Evaluator
	Vault     vault.Store
	Saver     *vault.Autosaver
	Pipeline  *structuring.Pipeline
	Guard     *deid.Guard
	Sessions  *store.SessionStore
	Audit     *store.AuditLog
	Refiner   *refine.Refiner
	Exporter  *export.Exporter
	View      *liveview.Supervisor
	Device    capture.Device
	Provider  capture.Provider
	Log       *slog.Logger
}

// draftState is the vault payload: the session's raw segments plus its
// manual uncertainties, recoverable only under the same session id.
type draftState struct {
	Segments []segment.RawSegment        `json:"segments"`
	Manual   []segment.ManualUncertainty `json:"manual"`
}

// Controller owns the active session's uncommitted state. A new session
// never reads a previous session's in-memory state; the generation
// counter invalidates every in-flight asynchronous completion.
type Controller struct {
	deps Deps
	log  *slog.Logger

	gen   atomic.Uint64
	latch policy.OneShot

	mu         sync.Mutex
	pol        policy.Policy
	sessionID  string
	duty       structuring.DutyType
	acc        *segment.Accumulator
	manual     []segment.ManualUncertainty
	manualSeen map[string]struct{}
	manualSeq  int
	cap        *capture.Session
	aliases    structuring.AliasMap
}

// New builds a controller. The accumulator budget comes from capture
// configuration.
func New(deps Deps) *Controller {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		deps: deps,
		log:  log,
		acc: segment.NewAccumulator(segment.Budget{
			MaxSegments:   deps.Config.Capture.MaxSegments,
			MaxTotalChars: deps.Config.Capture.MaxTotalChars,
		}),
		manualSeen: make(map[string]struct{}),
	}
	return c
}

// Generation returns the current session generation. Asynchronous tasks
// capture it at dispatch time and discard their results if it advanced.
func (c *Controller) Generation() uint64 { return c.gen.Load() }

// EvaluatePolicy re-derives the effective policy from current facts and
// re-arms the sync-block audit latch for the new evaluation cycle.
func (c *Controller) EvaluatePolicy(ctx context.Context, facts policy.Facts) (policy.Policy, error) {
	pol, err := c.deps.Evaluator.Evaluate(c.deps.Config.PolicyStatic(), facts)
	if err != nil {
		return policy.Policy{}, err
	}

	c.mu.Lock()
	c.pol = pol
	c.mu.Unlock()

	c.latch.Arm()
	c.NoteSyncBlocked(ctx)
	return pol, nil
}

// NoteSyncBlocked audits a configured-but-blocked remote sync exactly
// once per policy evaluation cycle, however often it is called.
func (c *Controller) NoteSyncBlocked(ctx context.Context) {
	c.mu.Lock()
	blocked := c.pol.SyncBlocked()
	c.mu.Unlock()
	if blocked && c.latch.Fire() {
		_, _ = c.deps.Audit.Append(ctx, store.ActionSyncBlocked, c.sessionID,
			"remote sync configured but withheld by policy")
	}
}

// Begin starts a fresh session: new id, advanced generation, empty
// accumulator. The previous session's in-flight completions become stale.
func (c *Controller) Begin(ctx context.Context, facts policy.Facts, duty structuring.DutyType) (string, error) {
	if _, err := c.EvaluatePolicy(ctx, facts); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.sessionID = uuid.New().String()
	c.duty = duty
	c.acc.Reset()
	c.manual = nil
	c.manualSeen = make(map[string]struct{})
	c.manualSeq = 0
	c.aliases = nil
	return c.sessionID, nil
}

// Recover reloads a previously vaulted draft for the same session id.
// This is the only path by which earlier state re-enters a session.
func (c *Controller) Recover(ctx context.Context, sessionID string, facts policy.Facts, duty structuring.DutyType) error {
	if _, err := c.EvaluatePolicy(ctx, facts); err != nil {
		return err
	}
	payload, err := c.deps.Vault.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: recover %s: %w", sessionID, err)
	}
	var draft draftState
	if err := json.Unmarshal(payload, &draft); err != nil {
		return fmt.Errorf("session: decode draft: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.sessionID = sessionID
	c.duty = duty
	c.acc.Reset()
	for _, seg := range draft.Segments {
		if err := c.acc.Append(seg); err != nil {
			return fmt.Errorf("session: replay draft: %w", err)
		}
	}
	c.manual = draft.Manual
	c.manualSeen = make(map[string]struct{})
	for _, m := range draft.Manual {
		c.manualSeen[uncertaintyKey(m)] = struct{}{}
	}
	return nil
}

// SessionID returns the active session id.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Policy returns the most recently evaluated policy.
func (c *Controller) Policy() policy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pol
}

// AppendSegment implements capture.Sink. Out-of-order arrivals sort back
// into place; budget rejections surface unchanged.
func (c *Controller) AppendSegment(seg segment.RawSegment) error {
	c.mu.Lock()
	err := c.acc.Append(seg)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.stageDraft()
	return nil
}

// AddUncertainty implements capture.Sink, de-duplicating by the flag's
// identity key so retried completions cannot double-flag.
func (c *Controller) AddUncertainty(u segment.ManualUncertainty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := uncertaintyKey(u)
	if _, seen := c.manualSeen[key]; seen {
		return
	}
	c.manualSeen[key] = struct{}{}
	c.manual = append(c.manual, u)
}

// AppendManualText records operator-entered transcript for a time range.
func (c *Controller) AppendManualText(text string, startMs, endMs int64) error {
	c.mu.Lock()
	c.manualSeq++
	seg := segment.RawSegment{
		SegmentID: fmt.Sprintf("manual-%04d", c.manualSeq),
		RawText:   text,
		StartMs:   startMs,
		EndMs:     endMs,
	}
	err := c.acc.Append(seg)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.stageDraft()
	return nil
}

// stageDraft snapshots session state into the debounced vault autosave.
func (c *Controller) stageDraft() {
	c.mu.Lock()
	draft := draftState{Segments: c.acc.Segments(), Manual: c.manual}
	id := c.sessionID
	c.mu.Unlock()
	if id == "" || c.deps.Saver == nil {
		return
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		c.log.Warn("draft snapshot failed", "error", err)
		return
	}
	c.deps.Saver.Stage(id, payload)
}

// StartCapture starts the capture session under the current policy. A
// policy block is audited and surfaced; the session stays usable.
func (c *Controller) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.cap == nil {
		c.cap = capture.NewSession(capture.Config{
			CaptureEnabled: c.deps.Config.Capture.Enabled,
			VADThreshold:   c.deps.Config.Capture.VADThreshold,
			MaxRetries:     c.deps.Config.Capture.MaxRetries,
			Generation:     c.Generation,
			RetryRate:      rate.NewLimiter(rate.Every(time.Second), 1),
		}, c.deps.Device, c.deps.Provider, c, c.log)
	}
	cs, pol, id := c.cap, c.pol, c.sessionID
	c.mu.Unlock()

	err := cs.Start(ctx, pol)
	if err != nil && Classify(err) == KindPolicyBlocked {
		_, _ = c.deps.Audit.Append(ctx, store.ActionPolicyBlocked, id, "capture start refused")
	}
	return err
}

// DrainCapture waits for a finite device stream to run out, used when
// the device is a file replay rather than live hardware.
func (c *Controller) DrainCapture() {
	c.mu.Lock()
	cs := c.cap
	c.mu.Unlock()
	if cs != nil {
		cs.Drain()
	}
}

// StopCapture is idempotent.
func (c *Controller) StopCapture() error {
	c.mu.Lock()
	cs := c.cap
	c.mu.Unlock()
	if cs == nil {
		return nil
	}
	return cs.Stop()
}

// RunPipeline structures the current transcript: sanitize pass, optional
// refinement, then residual detection. The safety verdict lands on the
// result; the alias map stays in memory only.
func (c *Controller) RunPipeline(ctx context.Context) (*structuring.Result, error) {
	c.mu.Lock()
	pol, id, duty := c.pol, c.sessionID, c.duty
	segs := c.acc.Segments()
	manual := make([]segment.ManualUncertainty, len(c.manual))
	copy(manual, c.manual)
	c.mu.Unlock()

	if err := pol.Gate("pipeline.run"); err != nil {
		_, _ = c.deps.Audit.Append(ctx, store.ActionPolicyBlocked, id, "pipeline run refused")
		return nil, err
	}

	gen := c.gen.Load()
	res, aliases := c.deps.Pipeline.Run(id, duty, segs, manual)

	issues := c.deps.Guard.Sanitize(res)
	if c.deps.Refiner != nil {
		if err := c.deps.Refiner.Refine(ctx, res, gen, c.Generation); err != nil {
			return nil, err
		}
	}
	residual := c.deps.Guard.Inspect(res)
	res.Safety = structuring.Safety{
		PhiSafe:        residual == 0,
		ResidualCount:  residual,
		ExportAllowed:  residual == 0,
		PersistAllowed: residual == 0,
	}

	if c.gen.Load() != gen {
		// Session changed while structuring; drop the stale result.
		return nil, fmt.Errorf("session: superseded")
	}

	c.mu.Lock()
	c.aliases = aliases
	c.mu.Unlock()

	_, _ = c.deps.Audit.Append(ctx, store.ActionPipelineRun, id,
		fmt.Sprintf("segments=%d sanitized=%d residual=%d", len(segs), issues, residual))
	return res, nil
}

// Save persists a guard-approved result. The store enforces the gate
// unconditionally; this includes save-without-review shortcuts.
func (c *Controller) Save(ctx context.Context, res *structuring.Result) (*store.SessionRecord, error) {
	rec, err := c.deps.Sessions.Save(ctx, res)
	if err != nil {
		return nil, err
	}
	_, _ = c.deps.Audit.Append(ctx, store.ActionSessionSave, rec.ID, "structured result persisted")
	return rec, nil
}

// Export pushes a record to the configured remote sink, if policy and the
// guard both allow it.
func (c *Controller) Export(ctx context.Context, rec *store.SessionRecord) error {
	c.mu.Lock()
	pol := c.pol
	c.mu.Unlock()
	if c.deps.Exporter == nil {
		return export.ErrSyncDisabled
	}
	if err := c.deps.Exporter.Export(ctx, pol, rec); err != nil {
		return err
	}
	_, _ = c.deps.Audit.Append(ctx, store.ActionExport, rec.ID, "record exported to remote sink")
	return nil
}

// Shred destroys the active session's vaulted raw data irreversibly and
// drops any staged autosave.
func (c *Controller) Shred(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	if c.deps.Saver != nil {
		c.deps.Saver.Discard(id)
	}
	if err := c.deps.Vault.Shred(ctx, id); err != nil {
		return err
	}
	_, _ = c.deps.Audit.Append(ctx, store.ActionShred, id, "vaulted raw data crypto-shredded")
	return nil
}

// PurgeAll removes every stored structured record and expired vault rows.
func (c *Controller) PurgeAll(ctx context.Context) error {
	if err := c.deps.Sessions.DeleteAll(ctx); err != nil {
		return err
	}
	if _, err := c.deps.Vault.PurgeExpired(ctx); err != nil {
		return err
	}
	_, _ = c.deps.Audit.Append(ctx, store.ActionPurge, "", "all structured records removed")
	return nil
}

// MemoryPurge destructively clears in-memory transcript state. Wired to
// the live view's long idle threshold in memory-only vault mode.
func (c *Controller) MemoryPurge(ctx context.Context) {
	c.mu.Lock()
	c.gen.Add(1)
	id := c.sessionID
	c.acc.Reset()
	c.manual = nil
	c.manualSeen = make(map[string]struct{})
	c.aliases = nil
	c.mu.Unlock()

	if mv, ok := c.deps.Vault.(*vault.MemoryVault); ok {
		mv.PurgeAll()
	}
	_, _ = c.deps.Audit.Append(ctx, store.ActionMemoryPurge, id, "idle threshold crossed, session memory purged")
}

// NoteViewLocked audits the idle screen-lock transition. Wired to the
// live-view supervisor's lock hook.
func (c *Controller) NoteViewLocked(ctx context.Context) {
	_, _ = c.deps.Audit.Append(ctx, store.ActionLock, c.SessionID(), "live view locked after idle")
}

// NoteViewUnlocked audits the explicit unlock. Wired to the supervisor's
// unlock hook so every unlock path produces exactly one record.
func (c *Controller) NoteViewUnlocked(ctx context.Context) {
	_, _ = c.deps.Audit.Append(ctx, store.ActionUnlock, c.SessionID(), "live view unlocked")
}

// UnlockView performs the single explicit unlock action. The supervisor
// fires its unlock hook only on a real locked-to-unlocked transition.
func (c *Controller) UnlockView() bool {
	if c.deps.View == nil {
		return false
	}
	return c.deps.View.Unlock()
}

// RevealAlias runs the press-and-hold reveal against the live view lock
// and audits a successful reveal. While locked this is a no-op.
func (c *Controller) RevealAlias(ctx context.Context, alias string) bool {
	if c.deps.View == nil {
		return false
	}
	ok := c.deps.View.PressEnd(alias)
	if ok {
		_, _ = c.deps.Audit.Append(ctx, store.ActionReveal, c.SessionID(), "aliased field revealed")
	}
	return ok
}

// AliasFor resolves a raw token's alias from the in-memory map.
func (c *Controller) AliasFor(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	al, ok := c.aliases[token]
	return al, ok
}

func uncertaintyKey(u segment.ManualUncertainty) string {
	return fmt.Sprintf("%s|%s|%d|%d", u.Kind, u.Reason, u.StartMs, u.EndMs)
}
