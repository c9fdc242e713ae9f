// Package structuring converts a session's raw transcript into the fixed
// handover report: global priorities, ward events, per-patient cards, and
// items needing human review. The transform is pure and reentrant.
package structuring

import (
	"time"

	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
)

// DutyType names the shift being handed over.
type DutyType string

const (
	DutyDay     DutyType = "day"
	DutyEvening DutyType = "evening"
	DutyNight   DutyType = "night"
)

// RiskLevel classifies a todo.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Todo is an actionable item with its risk level and source evidence.
type Todo struct {
	Text     string              `json:"text"`
	Risk     RiskLevel           `json:"risk"`
	Evidence segment.EvidenceRef `json:"evidence"`
}

// RankedItem is one entry of the bounded cross-patient priority list.
type RankedItem struct {
	Alias    string              `json:"alias,omitempty"`
	Text     string              `json:"text"`
	Score    int                 `json:"score"`
	Badge    string              `json:"badge"`
	Evidence segment.EvidenceRef `json:"evidence"`
}

// WardEvent is a ward-wide, non-patient event.
type WardEvent struct {
	Text     string              `json:"text"`
	Evidence segment.EvidenceRef `json:"evidence"`
}

// Patient is one per-patient card. All identifying tokens are already
// replaced by the session-scoped alias.
type Patient struct {
	Alias             string   `json:"alias"`
	TopItems          []string `json:"top_items"`
	Todos             []Todo   `json:"todos"`
	Problems          []string `json:"problems"`
	Risks             []string `json:"risks"`
	OneLineConclusion string   `json:"one_line_conclusion"`
}

// Uncertainty is an ambiguous or under-specified statement surfaced for a
// short human review.
type Uncertainty struct {
	Kind     string              `json:"kind"`
	Reason   string              `json:"reason"`
	Evidence segment.EvidenceRef `json:"evidence"`
}

// Safety is the de-identification verdict, filled by the guard after the
// pipeline runs.
type Safety struct {
	PhiSafe        bool `json:"phi_safe"`
	ResidualCount  int  `json:"residual_count"`
	ExportAllowed  bool `json:"export_allowed"`
	PersistAllowed bool `json:"persist_allowed"`
}

// Result is the structured handover report. Every leaf carrying evidence
// references a segment that existed in the session's raw input.
type Result struct {
	SessionID     string        `json:"session_id"`
	DutyType      DutyType      `json:"duty_type"`
	GeneratedAt   time.Time     `json:"generated_at"`
	GlobalTop     []RankedItem  `json:"global_top"`
	WardEvents    []WardEvent   `json:"ward_events"`
	Patients      []Patient     `json:"patients"`
	Uncertainties []Uncertainty `json:"uncertainties"`
	Safety        Safety        `json:"safety"`
}

// AliasMap maps a raw identifying token to its session-scoped alias. It is
// never persisted; it exists only in memory for the live view.
type AliasMap map[string]string
