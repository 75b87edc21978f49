package models

import "time"

// FlagType groups violations into reviewable categories.
type FlagType string

const (
	FlagFaceAbsence       FlagType = "face_absence"
	FlagMultipleFaces     FlagType = "multiple_faces"
	FlagGazeDeviation     FlagType = "gaze_deviation"
	FlagFocusLoss         FlagType = "focus_loss"
	FlagClipboardActivity FlagType = "clipboard_activity"
	FlagMouseDrift        FlagType = "mouse_drift"
	FlagCompoundBehavior  FlagType = "compound_behavior"
	FlagCustomRule        FlagType = "custom_rule"
	FlagIntegrityRisk     FlagType = "integrity_risk"
)

// FlagTypes lists every flag type in a stable order.
var FlagTypes = []FlagType{
	FlagFaceAbsence,
	FlagMultipleFaces,
	FlagGazeDeviation,
	FlagFocusLoss,
	FlagClipboardActivity,
	FlagMouseDrift,
	FlagCompoundBehavior,
	FlagCustomRule,
	FlagIntegrityRisk,
}

// Valid reports whether t is a known flag type.
func (t FlagType) Valid() bool {
	for _, known := range FlagTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RaiseFlagRequest raises a flag from outside the built-in detectors, such
// as a reviewer or an external model. Source names the raiser.
type RaiseFlagRequest struct {
	SessionID  string   `json:"session_uuid"`
	Type       FlagType `json:"flag_type"`
	Confidence float64  `json:"confidence_score"`
	Evidence   []string `json:"evidence,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// Decision is a reviewer verdict on a flag.
type Decision string

const (
	DecisionDismissed Decision = "dismissed"
	DecisionConfirmed Decision = "confirmed"
	DecisionEscalated Decision = "escalated"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionDismissed || d == DecisionConfirmed || d == DecisionEscalated
}

// Flag is a persisted, reviewable record that a session crossed a suspicion threshold.
type Flag struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_uuid"`
	UserID            string     `json:"user_id"`
	Type              FlagType   `json:"flag_type"`
	Confidence        float64    `json:"confidence_score"`
	AccumulatedWeight float64    `json:"accumulated_weight"`
	Evidence          []string   `json:"evidence"`
	Rules             []string   `json:"rules,omitempty"`
	Contributions     []string   `json:"contributions,omitempty"`
	Decision          Decision   `json:"reviewer_decision,omitempty"`
	Revision          int        `json:"revision"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
}

// FlagChange names what the latest revision of a flag did.
type FlagChange string

const (
	FlagCreated      FlagChange = "created"
	FlagStrengthened FlagChange = "strengthened"
	FlagDecided      FlagChange = "decided"
)

// LastChange reports what produced the flag's current revision.
func (f *Flag) LastChange() FlagChange {
	switch {
	case !f.Open():
		return FlagDecided
	case f.Revision <= 1:
		return FlagCreated
	default:
		return FlagStrengthened
	}
}

// Open reports whether the flag still awaits a reviewer decision.
func (f *Flag) Open() bool {
	return f != nil && f.Decision == ""
}

// Clone returns a deep copy of f.
func (f *Flag) Clone() *Flag {
	if f == nil {
		return nil
	}
	out := *f
	out.Evidence = append([]string(nil), f.Evidence...)
	out.Rules = append([]string(nil), f.Rules...)
	out.Contributions = append([]string(nil), f.Contributions...)
	if f.ReviewedAt != nil {
		ts := *f.ReviewedAt
		out.ReviewedAt = &ts
	}
	return &out
}
