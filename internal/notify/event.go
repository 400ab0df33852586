// Package notify delivers document-edited events to interested parties.
package notify

import (
	"context"
	"errors"
	"time"
)

// EventDocumentEdited names the event emitted after a version bump.
const EventDocumentEdited = "document-edited"

// Event reports that a document advanced to a new version.
type Event struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	// PlainText is handed to indexing sinks only.
	PlainText string `json:"-"`
}

// Notifier receives document-edited events. Implementations must not block for long; callers
// treat delivery as fire-and-forget.
type Notifier interface {
	DocumentEdited(ctx context.Context, event Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// DocumentEdited delivers the event to each notifier in order.
func (m Multi) DocumentEdited(ctx context.Context, event Event) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.DocumentEdited(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
