package flaghttp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"integritywatch/pkg/models"
)

// Writer posts flag batches to a review system endpoint.
type Writer struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// Config configures the HTTP writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http flag URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type change struct {
	Change models.FlagChange `json:"change"`
	*models.Flag
}

type envelope struct {
	Changes []change  `json:"changes"`
	Pending int       `json:"pending"`
	Decided int       `json:"decided"`
	SentAt  time.Time `json:"sent_at"`
}

// batchKey identifies a batch by its flag revisions. A retried batch
// carries the same key, so the receiver can drop the repeat.
func batchKey(flags []*models.Flag) string {
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		parts = append(parts, f.ID+"@"+strconv.Itoa(f.Revision))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// WriteFlags posts a batch of flag changes.
func (w *Writer) WriteFlags(flags []*models.Flag) error {
	env := envelope{SentAt: time.Now().UTC()}
	kept := make([]*models.Flag, 0, len(flags))
	for _, f := range flags {
		if f == nil {
			continue
		}
		kept = append(kept, f)
		c := f.LastChange()
		env.Changes = append(env.Changes, change{Change: c, Flag: f})
		if c == models.FlagDecided {
			env.Decided++
		} else {
			env.Pending++
		}
	}
	if len(kept) == 0 {
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", batchKey(kept))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}

	return nil
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
