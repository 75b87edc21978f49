package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"integritywatch/internal/heuristics"
	"integritywatch/pkg/models"
)

type gazeRequest struct {
	SessionID string                  `json:"session_id"`
	Timestamp *time.Time              `json:"timestamp,omitempty"`
	Angles    *heuristics.EulerAngles `json:"angles,omitempty"`
	Landmarks []heuristics.Landmark   `json:"landmarks,omitempty"`
	Config    heuristics.GazeConfig   `json:"config"`
}

type driftRequest struct {
	SessionID string                   `json:"session_id"`
	Timestamp *time.Time               `json:"timestamp,omitempty"`
	Samples   []heuristics.MouseSample `json:"samples"`
	Config    heuristics.DriftConfig   `json:"config"`
}

type heuristicResponse struct {
	Result   any                  `json:"result"`
	Recorded bool                 `json:"recorded"`
	Event    *models.IngestResult `json:"event,omitempty"`
}

// analyzeGaze runs the head pose check and records a gaze_away event when
// the result is confident enough.
func (s *Server) analyzeGaze(w http.ResponseWriter, r *http.Request) {
	var req gazeRequest
	if !decode(w, r, &req) {
		return
	}
	res := heuristics.AnalyzeGaze(req.Angles, req.Landmarks, req.Config)
	if !res.Record() || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusOK, heuristicResponse{Result: res})
		return
	}

	conf := res.Confidence
	payload := models.GazeAwayPayload{Confidence: &conf}
	if req.Angles != nil {
		payload.Yaw, payload.Pitch, payload.Roll = req.Angles.Yaw, req.Angles.Pitch, req.Angles.Roll
	}
	s.record(w, r, req.SessionID, models.KindGazeAway, req.Timestamp, payload, res)
}

// analyzeMouseDrift runs the cursor drift check and records a mouse_drift
// event when the result is confident enough.
func (s *Server) analyzeMouseDrift(w http.ResponseWriter, r *http.Request) {
	var req driftRequest
	if !decode(w, r, &req) {
		return
	}
	res := heuristics.AnalyzeMouseDrift(req.Samples, req.Config)
	if !res.Record() || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusOK, heuristicResponse{Result: res})
		return
	}

	duration := res.DurationS
	payload := models.MouseDriftPayload{DriftScore: res.Score, DurationS: &duration}
	s.record(w, r, req.SessionID, models.KindMouseDrift, req.Timestamp, payload, res)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request, sessionID string, kind models.EventKind, ts *time.Time, payload models.Payload, result any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if ts == nil {
		now := s.now().UTC()
		ts = &now
	}
	ingested, err := s.engine.Ingest(r.Context(), models.RawEvent{
		SessionID: sessionID,
		Kind:      string(kind),
		Timestamp: ts,
		Payload:   body,
	})
	if err != nil && ingested.EventID == "" {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if ingested.Lost {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, heuristicResponse{Result: result, Recorded: !ingested.Lost, Event: &ingested})
}
