package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// PublishThroughLog publishes evt and records the outcome in log.
// A publish failure marks the event failed and is returned to the caller.
func PublishThroughLog(ctx context.Context, log cbus.EventLogService, pub cbus.EventPublisher, evt cbus.IntegrationEvent) error {
	if err := pub.Publish(ctx, evt); err != nil {
		if merr := log.MarkEventAsFailed(ctx, evt); merr != nil {
			return errors.Join(err, merr)
		}

		return err
	}

	return log.MarkEventAsPublished(ctx, evt)
}

// Outbox saves events atomically with business changes and publishes them afterwards.
type Outbox struct {
	store  *Store
	pub    cbus.EventPublisher
	logger *slog.Logger
}

// NewOutbox builds an Outbox. A nil logger discards output.
func NewOutbox(store *Store, pub cbus.EventPublisher, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Outbox{store: store, pub: pub, logger: logger}
}

// SaveWithChanges runs changes and the event-log insert in one transaction.
func (o *Outbox) SaveWithChanges(ctx context.Context, evt cbus.IntegrationEvent, changes func(tx *sql.Tx) error) error {
	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox begin: %w", err)
	}

	if changes != nil {
		if err := changes(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := o.store.SaveEvent(ctx, evt, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox commit: %w", err)
	}

	return nil
}

// Publish publishes a saved event and marks it in the log.
func (o *Outbox) Publish(ctx context.Context, evt cbus.IntegrationEvent) error {
	err := PublishThroughLog(ctx, o.store, o.pub, evt)
	if err != nil {
		o.logger.ErrorContext(ctx, "outbox publish failed", "event", cbus.EventName(evt), "id", evt.EventID().String(), "err", err)
		return err
	}

	o.logger.DebugContext(ctx, "outbox published", "event", cbus.EventName(evt), "id", evt.EventID().String())

	return nil
}
