package pipeline

// RawWriter keeps raw input payloads that could not be ingested, for
// manual reconciliation.
type RawWriter interface {
	WriteRawMessages(messages [][]byte) error
	Close() error
}
