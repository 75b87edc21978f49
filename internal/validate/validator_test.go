package validate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/pkg/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSessions map[string]*models.Session

func (f fakeSessions) GetSession(_ context.Context, id string) (*models.Session, error) {
	s, ok := f[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	sessions := fakeSessions{
		"s-active": {ID: "s-active", Status: models.SessionActive},
		"s-closed": {ID: "s-closed", Status: models.SessionCompleted},
	}
	v, err := New(sessions, WithClock(func() time.Time { return base }))
	require.NoError(t, err)
	return v
}

func raw(session, kind string, ts time.Time, payload string) models.RawEvent {
	r := models.RawEvent{SessionID: session, Kind: kind, Timestamp: &ts}
	if payload != "" {
		r.Payload = json.RawMessage(payload)
	}
	return r
}

func TestValidateAcceptsWellFormedEvents(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	ev, err := v.Validate(ctx, raw("s-active", "paste", base.Add(-time.Second), `{"length": 320, "target": "answer-1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.KindPaste, ev.Kind)
	assert.Equal(t, models.PastePayload{Length: 320, Target: "answer-1"}, ev.Payload)
	assert.Len(t, ev.ID, 32)
	assert.Equal(t, base, ev.ReceivedAt)

	ev, err = v.Validate(ctx, raw("s-active", "tab_switch", base, ""))
	require.NoError(t, err)
	assert.Equal(t, models.TabSwitchPayload{}, ev.Payload)
}

func TestValidateIdenticalSubmissionsShareID(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	a, err := v.Validate(ctx, raw("s-active", "gaze_away", base, `{"yaw": 31.5, "duration_ms": 800}`))
	require.NoError(t, err)
	b, err := v.Validate(ctx, raw("s-active", "gaze_away", base, `{"duration_ms": 800, "yaw": 31.5}`))
	require.NoError(t, err)
	c, err := v.Validate(ctx, raw("s-active", "gaze_away", base.Add(time.Millisecond), `{"duration_ms": 800, "yaw": 31.5}`))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestValidateRejections(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		raw   models.RawEvent
		field string
	}{
		{"missing session", raw("", "paste", base, `{"length": 1}`), "session_id"},
		{"unknown kind", raw("s-active", "keystroke", base, ""), "event_type"},
		{"missing kind", raw("s-active", "", base, ""), "event_type"},
		{"missing timestamp", models.RawEvent{SessionID: "s-active", Kind: "copy"}, "timestamp"},
		{"future timestamp", raw("s-active", "copy", base.Add(6*time.Second), `{"length": 1}`), "timestamp"},
		{"missing required field", raw("s-active", "face_absent", base, `{}`), "data"},
		{"null payload with required field", raw("s-active", "paste", base, `null`), "data"},
		{"wrong type", raw("s-active", "paste", base, `{"length": "long"}`), "data"},
		{"out of range", raw("s-active", "mouse_drift", base, `{"drift_score": 1.4}`), "data"},
		{"single face", raw("s-active", "multiple_faces", base, `{"face_count": 1}`), "data"},
		{"unknown property", raw("s-active", "window_blur", base, `{"duration_ms": 5, "extra": true}`), "data"},
		{"malformed json", raw("s-active", "copy", base, `{"length":`), "data"},
		{"unknown session", raw("s-missing", "copy", base, `{"length": 1}`), "session_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tc.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrValidation))
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateNumericPayloads(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	ev, err := v.Validate(ctx, raw("s-active", "face_absent", base, `{"duration_ms": 9007199254740993, "confidence": 0.95}`))
	require.NoError(t, err)
	assert.Equal(t, models.KindFaceAbsent, ev.Kind)

	_, err = v.Validate(ctx, raw("s-active", "face_absent", base, `{"duration_ms": 1.5}`))
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestValidateClockSkewTolerance(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(context.Background(), raw("s-active", "context_menu", base.Add(5*time.Second), ""))
	assert.NoError(t, err)

	strict, err := New(nil, WithClock(func() time.Time { return base }), WithClockSkew(0))
	require.NoError(t, err)
	_, err = strict.Validate(context.Background(), raw("s-any", "context_menu", base.Add(time.Millisecond), ""))
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestValidateClosedSession(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(context.Background(), raw("s-closed", "copy", base, `{"length": 3}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSessionClosed))
}
