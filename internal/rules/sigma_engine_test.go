package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/pkg/models"
)

const pasteIntoAnswer = `title: Paste into answer field
id: paste-answer
status: experimental
level: high
logsource:
  product: proctoring
detection:
  selection:
    event_type: paste
    target|startswith: answer
  condition: selection
`

const windowsRule = `title: Windows process
id: win-proc
level: low
logsource:
  product: windows
detection:
  selection:
    Image|endswith: cmd.exe
  condition: selection
`

const timeframed = `title: Many copies
id: many-copies
level: medium
logsource:
  product: proctoring
detection:
  selection:
    event_type: copy
  timeframe: 1m
  condition: selection
`

const aggregated = `title: Copy burst
id: copy-burst
level: medium
logsource:
  product: proctoring
detection:
  selection:
    event_type: copy
  condition: selection | count(session_id) > 5
`

const notScratchpad = `title: Paste outside scratchpad
id: paste-not-scratch
level: low
logsource:
  product: proctoring
detection:
  selection:
    event_type: paste
  scratch:
    target: scratchpad
  condition: selection and not scratch
`

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestSigmaEngineLoadsProctoringRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "paste.yml", pasteIntoAnswer)
	writeRule(t, dir, "windows.yaml", windowsRule)
	writeRule(t, dir, "timeframe.yml", timeframed)
	writeRule(t, dir, "agg.yml", aggregated)
	writeRule(t, dir, "broken.yml", "title: [")
	writeRule(t, dir, "notes.txt", "ignored")

	engine, stats, err := NewSigmaEngine(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalFiles)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, stats.SkippedDatasource)
	assert.Equal(t, 2, stats.SkippedComplex)
	assert.Equal(t, 1, stats.SkippedInvalid)
	assert.Equal(t, 1, engine.Len())

	hit := &models.Event{
		SessionID: "s1",
		Kind:      models.KindPaste,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Payload:   models.PastePayload{Length: 10, Target: "answer-2"},
	}
	matches := engine.Apply(hit)
	require.Len(t, matches, 1)
	assert.Equal(t, Match{ID: "paste-answer", Title: "Paste into answer field", Level: models.SeverityHigh}, matches[0])

	miss := *hit
	miss.Payload = models.PastePayload{Length: 10, Target: "scratchpad"}
	assert.Empty(t, engine.Apply(&miss))

	copied := &models.Event{SessionID: "s1", Kind: models.KindCopy, Payload: models.CopyPayload{Length: 3}}
	for i := 0; i < 10; i++ {
		assert.Empty(t, engine.Apply(copied))
	}
}

type unencodable struct{}

func (unencodable) EventKind() models.EventKind { return models.KindPaste }

func (unencodable) MarshalJSON() ([]byte, error) { return nil, errors.New("no encoding") }

func TestSigmaEngineSkipsEventsWithUnreadablePayload(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "not-scratch.yml", notScratchpad)
	engine, stats, err := NewSigmaEngine(dir)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Loaded)

	ok := &models.Event{SessionID: "s1", Kind: models.KindPaste, Payload: models.PastePayload{Length: 4, Target: "answer-1"}}
	assert.Len(t, engine.Apply(ok), 1)

	bad := &models.Event{SessionID: "s1", Kind: models.KindPaste, Payload: unencodable{}}
	assert.Empty(t, engine.Apply(bad))
}

func TestSigmaEngineRejectsNonYAMLFile(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "rule.json", "{}")
	_, _, err := NewSigmaEngine(filepath.Join(dir, "rule.json"))
	assert.Error(t, err)
}

func TestReloaderSwapsRuleSet(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "paste.yml", pasteIntoAnswer)

	r, stats, err := NewReloader(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)

	require.NoError(t, os.Remove(filepath.Join(dir, "paste.yml")))
	_, err = r.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())

	var noop NoopEngine
	assert.Nil(t, noop.Apply(&models.Event{}))
}
