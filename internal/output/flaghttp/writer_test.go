package flaghttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/pkg/models"
)

func TestWriterPostsBatch(t *testing.T) {
	type received struct {
		Changes []struct {
			Change models.FlagChange `json:"change"`
			models.Flag
		} `json:"changes"`
		Pending int `json:"pending"`
		Decided int `json:"decided"`
	}
	var got received
	var auth string
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		got = received{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteFlags(nil))
	require.NoError(t, w.WriteFlags([]*models.Flag{nil}))
	assert.Empty(t, keys)

	batch := []*models.Flag{
		{ID: "f1", Type: models.FlagMultipleFaces, Revision: 1},
		{ID: "f2", Type: models.FlagFocusLoss, Revision: 4},
		{ID: "f3", Type: models.FlagGazeDeviation, Revision: 2, Decision: models.DecisionDismissed},
	}
	require.NoError(t, w.WriteFlags(batch))
	assert.Equal(t, "Bearer t", auth)
	require.Len(t, got.Changes, 3)
	assert.Equal(t, models.FlagMultipleFaces, got.Changes[0].Type)
	assert.Equal(t, models.FlagCreated, got.Changes[0].Change)
	assert.Equal(t, models.FlagStrengthened, got.Changes[1].Change)
	assert.Equal(t, models.FlagDecided, got.Changes[2].Change)
	assert.Equal(t, 2, got.Pending)
	assert.Equal(t, 1, got.Decided)

	// A resent batch keeps its key; a newer revision changes it.
	require.NoError(t, w.WriteFlags([]*models.Flag{batch[2], batch[0], batch[1]}))
	batch[1].Revision++
	require.NoError(t, w.WriteFlags(batch))
	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, keys[0], keys[2])
}

func TestWriterReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.WriteFlags([]*models.Flag{{ID: "f1"}}))

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}
