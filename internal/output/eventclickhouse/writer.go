package eventclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"integritywatch/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends accepted events to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// Row is the flattened audit row. Payload is kept as a JSON string column.
type Row struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_uuid"`
	Kind       string  `json:"event_type"`
	Timestamp  string  `json:"ts"`
	ReceivedAt string  `json:"received_at"`
	Seq        int64   `json:"seq"`
	Severity   string  `json:"severity"`
	Late       uint8   `json:"late"`
	ScoreAfter float64 `json:"score_after"`
	Payload    string  `json:"data"`
}

const clickhouseTime = "2006-01-02 15:04:05.000"

// NewRow flattens ev into a Row.
func NewRow(ev *models.Event) (Row, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Row{}, err
	}
	row := Row{
		ID:         ev.ID,
		SessionID:  ev.SessionID,
		Kind:       string(ev.Kind),
		Timestamp:  ev.Timestamp.UTC().Format(clickhouseTime),
		ReceivedAt: ev.ReceivedAt.UTC().Format(clickhouseTime),
		Seq:        ev.Seq,
		Severity:   string(ev.Severity),
		ScoreAfter: ev.ScoreAfter,
		Payload:    string(payload),
	}
	if ev.Late {
		row.Late = 1
	}
	return row, nil
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "proctoring_events"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteEvents sends a batch of events.
func (w *Writer) WriteEvents(events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, event := range events {
		row, err := NewRow(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
