package bus

import (
	"context"
	"database/sql"
)

// EventState is the publication state of an event recorded in the event log.
type EventState int

const (
	NotPublished EventState = iota
	Published
	PublishedFailed
)

func (s EventState) String() string {
	switch s {
	case NotPublished:
		return "NotPublished"
	case Published:
		return "Published"
	case PublishedFailed:
		return "PublishedFailed"
	default:
		return "Unknown"
	}
}

// EventLogService durably records integration events around publication (outbox pattern).
// SaveEvent runs inside the caller's business transaction; the mark calls run after publish.
type EventLogService interface {
	SaveEvent(ctx context.Context, evt IntegrationEvent, tx *sql.Tx) error
	MarkEventAsPublished(ctx context.Context, evt IntegrationEvent) error
	MarkEventAsFailed(ctx context.Context, evt IntegrationEvent) error
}
