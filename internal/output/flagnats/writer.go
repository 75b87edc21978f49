package flagnats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

// DefaultSubject is the base subject flags are published under.
const DefaultSubject = "integritywatch.flags"

// Config configures the NATS writer.
type Config struct {
	URL     string
	Subject string
	Timeout time.Duration
}

// Writer publishes each flag to <subject>.<flag_type>.
type Writer struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	owned   bool
}

// NewWriter connects to NATS and returns a writer owning the connection.
func NewWriter(cfg Config) (*Writer, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("integritywatch-flags"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	w := NewWriterWithConn(conn, cfg)
	w.owned = true
	logger.Infof("Flag NATS writer initialized: %s (%s)", url, w.subject)
	return w, nil
}

// NewWriterWithConn publishes on an existing connection. Close does not
// close conn.
func NewWriterWithConn(conn *nats.Conn, cfg Config) *Writer {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{conn: conn, subject: subject, timeout: timeout}
}

// Subject returns the subject a flag is published on.
func (w *Writer) Subject(f *models.Flag) string {
	return w.subject + "." + string(f.Type)
}

// WriteFlags publishes a batch of flags and waits for the server to
// acknowledge the flush.
func (w *Writer) WriteFlags(flags []*models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	for _, f := range flags {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal flag %s: %w", f.ID, err)
		}
		if err := w.conn.Publish(w.Subject(f), data); err != nil {
			return fmt.Errorf("failed to publish flag %s: %w", f.ID, err)
		}
	}
	if err := w.conn.FlushTimeout(w.timeout); err != nil {
		return fmt.Errorf("failed to flush flags: %w", err)
	}
	return nil
}

// Close drains the connection when the writer owns it.
func (w *Writer) Close() error {
	if w.owned && w.conn != nil {
		return w.conn.Drain()
	}
	return nil
}
