package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of behavioral signals the engine understands.
type EventKind string

const (
	KindFaceAbsent    EventKind = "face_absent"
	KindMultipleFaces EventKind = "multiple_faces"
	KindGazeAway      EventKind = "gaze_away"
	KindTabSwitch     EventKind = "tab_switch"
	KindWindowBlur    EventKind = "window_blur"
	KindPaste         EventKind = "paste"
	KindCopy          EventKind = "copy"
	KindContextMenu   EventKind = "context_menu"
	KindMouseDrift    EventKind = "mouse_drift"
)

// EventKinds lists every known kind in a stable order.
var EventKinds = []EventKind{
	KindFaceAbsent,
	KindMultipleFaces,
	KindGazeAway,
	KindTabSwitch,
	KindWindowBlur,
	KindPaste,
	KindCopy,
	KindContextMenu,
	KindMouseDrift,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RawEvent is an event as submitted by a collaborator, before validation.
type RawEvent struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"event_type"`
	Timestamp *time.Time      `json:"timestamp"`
	Payload   json.RawMessage `json:"data,omitempty"`
}

// Event is a validated, typed behavioral signal.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_uuid"`
	Kind       EventKind `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    Payload   `json:"data"`
	Severity   Severity  `json:"severity"`
	Flagged    bool      `json:"flagged"`
	Seq        int64     `json:"seq"`
	Late       bool      `json:"late,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	ScoreAfter float64   `json:"score_after"`
}

// UnmarshalJSON decodes the payload according to the event kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Payload json.RawMessage `json:"data"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(e.Kind, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// Clone returns a shallow copy of e. Payloads are immutable values.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

// EventID derives a deterministic identifier so identical submissions collide.
func EventID(sessionID string, kind EventKind, ts time.Time, payload Payload) string {
	canonical, _ := json.Marshal(payload)
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Payload is the kind-specific body of an event.
type Payload interface {
	EventKind() EventKind
}

// FaceAbsentPayload reports a period with no face in frame.
type FaceAbsentPayload struct {
	DurationMs int64    `json:"duration_ms"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// MultipleFacesPayload reports more than one face in frame.
type MultipleFacesPayload struct {
	FaceCount  int      `json:"face_count"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// GazeAwayPayload reports the subject looking away from the screen.
type GazeAwayPayload struct {
	DurationMs int64    `json:"duration_ms,omitempty"`
	Yaw        *float64 `json:"yaw,omitempty"`
	Pitch      *float64 `json:"pitch,omitempty"`
	Roll       *float64 `json:"roll,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// TabSwitchPayload reports the assessment tab losing visibility.
type TabSwitchPayload struct {
	HiddenMs int64  `json:"hidden_ms,omitempty"`
	Target   string `json:"target,omitempty"`
}

// WindowBlurPayload reports the browser window losing focus.
type WindowBlurPayload struct {
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// PastePayload reports clipboard content pasted into the assessment.
type PastePayload struct {
	Length int    `json:"length"`
	Target string `json:"target,omitempty"`
}

// CopyPayload reports content copied out of the assessment.
type CopyPayload struct {
	Length int    `json:"length"`
	Target string `json:"target,omitempty"`
}

// ContextMenuPayload reports a context menu being opened.
type ContextMenuPayload struct {
	Target string `json:"target,omitempty"`
}

// MouseDriftPayload reports slow continuous cursor drift.
type MouseDriftPayload struct {
	DriftScore float64  `json:"drift_score"`
	DurationS  *float64 `json:"duration_s,omitempty"`
}

func (FaceAbsentPayload) EventKind() EventKind { return KindFaceAbsent }
func (MultipleFacesPayload) EventKind() EventKind { return KindMultipleFaces }
func (GazeAwayPayload) EventKind() EventKind { return KindGazeAway }
func (TabSwitchPayload) EventKind() EventKind { return KindTabSwitch }
func (WindowBlurPayload) EventKind() EventKind { return KindWindowBlur }
func (PastePayload) EventKind() EventKind { return KindPaste }
func (CopyPayload) EventKind() EventKind { return KindCopy }
func (ContextMenuPayload) EventKind() EventKind { return KindContextMenu }
func (MouseDriftPayload) EventKind() EventKind { return KindMouseDrift }

// DecodePayload strictly decodes raw into the payload type for kind.
// An empty or null body decodes to the zero payload.
func DecodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}

	switch kind {
	case KindFaceAbsent:
		return decodeStrict[FaceAbsentPayload](body)
	case KindMultipleFaces:
		return decodeStrict[MultipleFacesPayload](body)
	case KindGazeAway:
		return decodeStrict[GazeAwayPayload](body)
	case KindTabSwitch:
		return decodeStrict[TabSwitchPayload](body)
	case KindWindowBlur:
		return decodeStrict[WindowBlurPayload](body)
	case KindPaste:
		return decodeStrict[PastePayload](body)
	case KindCopy:
		return decodeStrict[CopyPayload](body)
	case KindContextMenu:
		return decodeStrict[ContextMenuPayload](body)
	case KindMouseDrift:
		return decodeStrict[MouseDriftPayload](body)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeStrict[T Payload](body []byte) (Payload, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", out.EventKind(), err)
	}
	return out, nil
}
