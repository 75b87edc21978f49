package validate

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"integritywatch/pkg/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DefaultClockSkew is how far into the future an event timestamp may lie.
const DefaultClockSkew = 5 * time.Second

// SessionLookup resolves the session an event claims to belong to.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// Validator normalizes raw events and rejects malformed ones.
type Validator struct {
	schemas   map[models.EventKind]*jsonschema.Schema
	sessions  SessionLookup
	clockSkew time.Duration
	now       func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithClockSkew overrides the future-timestamp tolerance.
func WithClockSkew(d time.Duration) Option {
	return func(v *Validator) {
		if d >= 0 {
			v.clockSkew = d
		}
	}
}

// New compiles the embedded payload schemas. sessions may be nil, in which
// case session membership is not checked.
func New(sessions SessionLookup, opts ...Option) (*Validator, error) {
	v := &Validator{
		schemas:   make(map[models.EventKind]*jsonschema.Schema, len(models.EventKinds)),
		sessions:  sessions,
		clockSkew: DefaultClockSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, kind := range models.EventKinds {
		name := string(kind) + ".json"
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate checks raw and returns the typed event. Structural problems are
// *models.ValidationError; an event for a non-active session is
// *models.SessionClosedError.
func (v *Validator) Validate(ctx context.Context, raw models.RawEvent) (*models.Event, error) {
	sessionID := strings.TrimSpace(raw.SessionID)
	if sessionID == "" {
		return nil, &models.ValidationError{Field: "session_id", Reason: "required"}
	}

	kind := models.EventKind(strings.TrimSpace(raw.Kind))
	if kind == "" {
		return nil, &models.ValidationError{Field: "event_type", Reason: "required"}
	}
	if !kind.Valid() {
		return nil, &models.ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown kind %q", raw.Kind)}
	}

	if raw.Timestamp == nil || raw.Timestamp.IsZero() {
		return nil, &models.ValidationError{Field: "timestamp", Reason: "required"}
	}
	now := v.now()
	ts := raw.Timestamp.UTC()
	if ts.After(now.Add(v.clockSkew)) {
		return nil, &models.ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("%s is more than %s ahead of ingestion time", ts.Format(time.RFC3339Nano), v.clockSkew),
		}
	}

	payload, err := v.payload(kind, raw.Payload)
	if err != nil {
		return nil, err
	}

	if v.sessions != nil {
		sess, err := v.sessions.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, &models.ValidationError{Field: "session_id", Reason: fmt.Sprintf("unknown session %s", sessionID)}
			}
			return nil, err
		}
		if !sess.Active() {
			return nil, &models.SessionClosedError{SessionID: sessionID, Status: sess.Status}
		}
	}

	return &models.Event{
		ID:         models.EventID(sessionID, kind, ts, payload),
		SessionID:  sessionID,
		Kind:       kind,
		Timestamp:  ts,
		Payload:    payload,
		ReceivedAt: now.UTC(),
	}, nil
}

func (v *Validator) payload(kind models.EventKind, raw []byte) (models.Payload, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &models.ValidationError{Field: "data", Reason: "payload is not valid JSON"}
	}
	if err := v.schemas[kind].Validate(doc); err != nil {
		return nil, &models.ValidationError{Field: "data", Reason: schemaReason(err)}
	}

	payload, err := models.DecodePayload(kind, body)
	if err != nil {
		return nil, &models.ValidationError{Field: "data", Reason: err.Error()}
	}
	return payload, nil
}

// schemaReason reports the first leaf cause of a schema failure.
func schemaReason(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, verr.Message)
}
