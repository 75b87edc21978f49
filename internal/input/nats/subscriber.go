package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"integritywatch/internal/logger"
)

// Config configures the NATS subscriber.
type Config struct {
	URL     string
	Subject string
	Queue   string
	Buffer  int
	Wait    time.Duration
}

// Subscriber receives event messages from a NATS subject. With a queue
// group set, instances share the subject's messages.
type Subscriber struct {
	conn  *nats.Conn
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	wait  time.Duration
	owned bool
}

// NewSubscriber connects to NATS and subscribes.
func NewSubscriber(cfg Config) (*Subscriber, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("integritywatch-ingest"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	s, err := NewSubscriberWithConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSubscriberWithConn subscribes on an existing connection. Close
// unsubscribes but leaves conn open.
func NewSubscriberWithConn(conn *nats.Conn, cfg Config) (*Subscriber, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Wait <= 0 {
		cfg.Wait = time.Second
	}

	msgs := make(chan *nats.Msg, cfg.Buffer)
	var (
		sub *nats.Subscription
		err error
	)
	if cfg.Queue != "" {
		sub, err = conn.ChanQueueSubscribe(cfg.Subject, cfg.Queue, msgs)
	} else {
		sub, err = conn.ChanSubscribe(cfg.Subject, msgs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Subject, err)
	}

	logger.Infof("NATS subscriber initialized: subject=%s queue=%s", cfg.Subject, cfg.Queue)
	return &Subscriber{conn: conn, sub: sub, msgs: msgs, wait: cfg.Wait}, nil
}

// Pop returns the next message body, or (nil, nil) when none arrived
// within the wait interval.
func (s *Subscriber) Pop(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.msgs:
		return msg.Data, nil
	case <-timer.C:
		return nil, nil
	}
}

// Close unsubscribes and drains the connection when owned.
func (s *Subscriber) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		logger.Warnf("Failed to unsubscribe: %v", err)
	}
	if s.owned {
		return s.conn.Drain()
	}
	return nil
}
