package flagjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

// Writer appends one JSON line per flag change. Each line carries the
// change kind next to the flag snapshot, so a reader can follow a flag
// from creation through its decision. The highest revision wins.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter opens path for appending, creating parent directories.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Flag JSON writer initialized: %s", path)
	return &Writer{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

type record struct {
	Change models.FlagChange `json:"change"`
	*models.Flag
}

// WriteFlags writes a batch of flag changes.
func (w *Writer) WriteFlags(flags []*models.Flag) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("flag writer is closed")
	}
	for _, flag := range flags {
		if flag == nil {
			continue
		}
		if err := w.encoder.Encode(record{Change: flag.LastChange(), Flag: flag}); err != nil {
			return fmt.Errorf("failed to encode flag %s: %w", flag.ID, err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
