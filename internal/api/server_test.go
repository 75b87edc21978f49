package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/internal/analyzer"
	"integritywatch/internal/engine"
	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	now := func() time.Time { return base.Add(time.Hour) }
	st := store.NewMemoryStore()
	e, err := engine.New(st, engine.Config{RetryBackoff: time.Millisecond}, engine.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	all := append([]Option{WithHealth(st), WithClock(now)}, opts...)
	srv := httptest.NewServer(NewServer(e, analyzer.New(st), all...).Handler())
	t.Cleanup(srv.Close)
	return srv, e
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func event(sessionID string, kind models.EventKind, at time.Duration, payload string) map[string]any {
	return map[string]any{
		"session_id": sessionID,
		"event_type": string(kind),
		"timestamp":  base.Add(at).Format(time.RFC3339Nano),
		"data":       json.RawMessage(payload),
	}
}

func createSession(t *testing.T, url string) *models.Session {
	t.Helper()
	var sess models.Session
	status := call(t, http.MethodPost, url+"/v1/sessions", map[string]any{"user_id": "u1", "cohort_id": "c1"}, &sess)
	require.Equal(t, http.StatusCreated, status)
	return &sess
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)
	assert.Equal(t, 100.0, sess.Score)
	assert.Equal(t, models.SessionActive, sess.Status)

	var got models.Session
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID, nil, &got))
	assert.Equal(t, sess.ID, got.ID)

	var listed struct{ Sessions []models.Session }
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/users/u1/sessions", nil, &listed))
	assert.Len(t, listed.Sessions, 1)

	var closed models.Session
	status := call(t, http.MethodPost, srv.URL+"/v1/sessions/"+sess.ID+"/close", map[string]string{"status": "terminated", "reason": "left room"}, &closed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.SessionTerminated, closed.Status)

	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, srv.URL+"/v1/sessions/"+sess.ID+"/close", nil, nil))
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindCopy, 0, `{"length":3}`), nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, srv.URL+"/v1/sessions/missing", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{"cohort_id": "c1"}, nil))
}

func TestIngestAndQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	var res models.IngestResult
	status := call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindMultipleFaces, 0, `{"face_count":2}`), &res)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 40.0, res.Score)
	assert.Equal(t, models.SeverityHigh, res.Severity)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, "teleport", 0, `{}`), nil))

	var batch struct {
		Accepted int
		Rejected int
		Results  []models.IngestResult
	}
	status = call(t, http.MethodPost, srv.URL+"/v1/events/batch", map[string]any{"events": []any{
		event(sess.ID, models.KindPaste, 10*time.Second, `{"length":20}`),
		event(sess.ID, models.KindPaste, 11*time.Second, `{"length":-1}`),
	}}, &batch)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	assert.NotEmpty(t, batch.Results[1].Error)

	var events struct{ Events []models.Event }
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/events?kind=paste", nil, &events))
	assert.Len(t, events.Events, 1)
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/events?flagged=true&limit=1", nil, &events))
	assert.Len(t, events.Events, 1)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/events?flagged=maybe", nil, nil))

	var report models.AnalysisReport
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/analysis", nil, &report))
	assert.Equal(t, 2, report.TotalEvents)
	assert.NotEmpty(t, report.Flags)

	var overview models.CohortOverview
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/cohorts/c1/overview", nil, &overview))
	assert.Equal(t, 1, overview.TotalSessions)
}

func TestBatchTooLarge(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	events := make([]any, 51)
	for i := range events {
		events[i] = event(sess.ID, models.KindCopy, time.Duration(i)*time.Second, `{"length":1}`)
	}
	assert.Equal(t, http.StatusRequestEntityTooLarge, call(t, http.MethodPost, srv.URL+"/v1/events/batch", map[string]any{"events": events}, nil))
}

func TestFlagDecision(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindMultipleFaces, 0, `{"face_count":2}`), nil))

	var pending struct{ Flags []models.Flag }
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/flags/pending", nil, &pending))
	require.NotEmpty(t, pending.Flags)
	id := pending.Flags[0].ID

	url := srv.URL + "/v1/flags/" + id + "/decision"
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPut, url, map[string]string{"decision": "shrug"}, nil))

	var decided models.Flag
	assert.Equal(t, http.StatusOK, call(t, http.MethodPut, url, map[string]string{"decision": "dismissed"}, &decided))
	assert.Equal(t, models.DecisionDismissed, decided.Decision)
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPut, url, map[string]string{"decision": "confirmed"}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPut, srv.URL+"/v1/flags/nope/decision", map[string]string{"decision": "confirmed"}, nil))

	var flags struct{ Flags []models.Flag }
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/flags", nil, &flags))
	assert.Len(t, flags.Flags, len(pending.Flags))
}

func TestRaiseFlagAndUserEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	var res models.IngestResult
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindCopy, 0, `{"length":3}`), &res))
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindContextMenu, time.Second, `{}`), nil))

	req := map[string]any{
		"session_uuid":     sess.ID,
		"flag_type":        "clipboard_activity",
		"confidence_score": 0.8,
		"evidence":         []string{res.EventID},
		"source":           "reviewer",
	}
	var created models.Flag
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/v1/flags", req, &created))
	assert.Equal(t, models.FlagClipboardActivity, created.Type)
	assert.Equal(t, 0.8, created.Confidence)

	req["evidence"] = []string{"other"}
	var joined models.Flag
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/v1/flags", req, &joined))
	assert.Equal(t, created.ID, joined.ID)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/v1/flags", map[string]any{"session_uuid": sess.ID, "flag_type": "vibes"}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, srv.URL+"/v1/flags", map[string]any{"session_uuid": "missing", "flag_type": "focus_loss"}, nil))

	var all struct{ Events []models.Event }
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/users/u1/events", nil, &all))
	require.Len(t, all.Events, 2)
	assert.Equal(t, models.KindContextMenu, all.Events[0].Kind)

	var flagged struct{ Events []models.Event }
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/users/u1/events?flagged=true&limit=5", nil, &flagged))
	require.Len(t, flagged.Events, 1)
	assert.Equal(t, res.EventID, flagged.Events[0].ID)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, srv.URL+"/v1/users/u1/events?kind=teleport", nil, nil))
}

func TestHeuristicEndpointsRecordEvents(t *testing.T) {
	srv, e := newTestServer(t)
	sess := createSession(t, srv.URL)

	var out struct {
		Recorded bool
		Event    *models.IngestResult
	}
	status := call(t, http.MethodPost, srv.URL+"/v1/analyze/gaze", map[string]any{
		"session_id": sess.ID,
		"timestamp":  base,
		"angles":     map[string]float64{"yaw": 5},
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, out.Recorded)
	assert.Nil(t, out.Event)

	status = call(t, http.MethodPost, srv.URL+"/v1/analyze/gaze", map[string]any{
		"session_id": sess.ID,
		"timestamp":  base,
		"angles":     map[string]float64{"yaw": -90},
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Recorded)
	require.NotNil(t, out.Event)
	assert.True(t, out.Event.Accepted)

	// A slow 50px square walked at 10px/s for 20s.
	var samples []map[string]float64
	for i := 0; i <= 20; i++ {
		x, y := 0.0, 0.0
		switch {
		case i <= 5:
			x = float64(i) * 10
		case i <= 10:
			x, y = 50, float64(i-5)*10
		case i <= 15:
			x, y = 50-float64(i-10)*10, 50
		default:
			y = 50 - float64(i-15)*10
		}
		samples = append(samples, map[string]float64{"x": x, "y": y, "t": float64(i) * 1000})
	}
	out.Event = nil
	status = call(t, http.MethodPost, srv.URL+"/v1/analyze/mouse-drift", map[string]any{
		"session_id": sess.ID,
		"timestamp":  base.Add(time.Second),
		"samples":    samples,
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Recorded)
	require.NotNil(t, out.Event)

	events, err := e.SessionEvents(context.Background(), sess.ID, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.KindGazeAway, events[0].Kind)
	assert.Equal(t, models.KindMouseDrift, events[1].Kind)
}

func TestIngestionRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, WithRateLimit(0.001, 2))
	sess := createSession(t, srv.URL)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = call(t, http.MethodPost, srv.URL+"/v1/events", event(sess.ID, models.KindCopy, time.Duration(i)*time.Second, fmt.Sprintf(`{"length":%d}`, i)), nil)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID, nil, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/healthz", nil, nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down, _ := newTestServer(t, WithHealth(brokenStore{store.NewMemoryStore()}))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodGet, down.URL+"/healthz", nil, nil))
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "x"}, http.StatusBadRequest},
		{&models.ConfigurationError{Field: "x"}, http.StatusBadRequest},
		{&models.NotFoundError{Kind: "session", ID: "s"}, http.StatusNotFound},
		{&models.SessionClosedError{SessionID: "s"}, http.StatusConflict},
		{&models.AlreadyDecidedError{FlagID: "f"}, http.StatusConflict},
		{&models.BatchSizeError{Size: 51, Limit: 50}, http.StatusRequestEntityTooLarge},
		{&models.StorageUnavailableError{Op: "x", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", &models.NotFoundError{}), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
