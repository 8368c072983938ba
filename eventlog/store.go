package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
)

const schema = `CREATE TABLE IF NOT EXISTS integration_event_log (
	event_id        TEXT PRIMARY KEY,
	event_type_name TEXT NOT NULL,
	content         TEXT NOT NULL,
	state           INTEGER NOT NULL DEFAULT 0,
	times_sent      INTEGER NOT NULL DEFAULT 0,
	creation_time   TEXT NOT NULL
)`

// Entry is one row of the event log.
type Entry struct {
	EventID       uuid.UUID
	EventTypeName string
	Content       []byte
	State         cbus.EventState
	TimesSent     int
	CreationTime  time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a SQL-backed cbus.EventLogService.
type Store struct {
	db    *sql.DB
	codec cbus.Codec
}

var _ cbus.EventLogService = (*Store)(nil)

// New wraps an open database. A nil codec selects JSON.
func New(db *sql.DB, codec cbus.Codec) *Store {
	if codec == nil {
		codec = eventbus.JSONCodec{}
	}

	return &Store{db: db, codec: codec}
}

// Open opens a SQLite database at dsn and ensures the schema exists.
// The returned cleanup closes the database.
func Open(ctx context.Context, dsn string) (*Store, func(), error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("eventlog open: %w", err)
	}

	// SQLite serializes writers; one connection also keeps ":memory:" databases stable.
	db.SetMaxOpenConns(1)

	s := New(db, nil)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return s, func() { _ = db.Close() }, nil
}

// DB returns the underlying database, e.g. to begin business transactions.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog schema: %w", err)
	}

	return nil
}

// SaveEvent inserts evt as NotPublished. With a non-nil tx the insert joins that transaction.
func (s *Store) SaveEvent(ctx context.Context, evt cbus.IntegrationEvent, tx *sql.Tx) error {
	content, err := s.codec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog save %s: %w", cbus.EventName(evt), errors.Join(berr.ErrSerializationFailed, err))
	}

	var ex execer = s.db
	if tx != nil {
		ex = tx
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO integration_event_log (event_id, event_type_name, content, state, times_sent, creation_time)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		evt.EventID().String(),
		cbus.EventName(evt),
		string(content),
		int(cbus.NotPublished),
		evt.EventCreatedAt().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("eventlog save %s: %w", evt.EventID(), err)
	}

	return nil
}

func (s *Store) MarkEventAsPublished(ctx context.Context, evt cbus.IntegrationEvent) error {
	return s.updateState(ctx, evt.EventID(), cbus.Published)
}

func (s *Store) MarkEventAsFailed(ctx context.Context, evt cbus.IntegrationEvent) error {
	return s.updateState(ctx, evt.EventID(), cbus.PublishedFailed)
}

func (s *Store) updateState(ctx context.Context, id uuid.UUID, state cbus.EventState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integration_event_log SET state = ?, times_sent = times_sent + 1 WHERE event_id = ?`,
		int(state), id.String(),
	)
	if err != nil {
		return fmt.Errorf("eventlog mark %s %s: %w", id, state, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventlog mark %s %s: %w", id, state, err)
	}

	if n == 0 {
		return fmt.Errorf("eventlog mark %s: %w", id, berr.ErrEventNotFound)
	}

	return nil
}

// Entry loads the row for id.
func (s *Store) Entry(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type_name, content, state, times_sent, creation_time
		 FROM integration_event_log WHERE event_id = ?`, id.String())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("eventlog entry %s: %w", id, berr.ErrEventNotFound)
	}

	return e, err
}

// PendingEvents returns entries not yet published, oldest first.
func (s *Store) PendingEvents(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type_name, content, state, times_sent, creation_time
		 FROM integration_event_log WHERE state <> ? ORDER BY creation_time`, int(cbus.Published))
	if err != nil {
		return nil, fmt.Errorf("eventlog pending: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		id, name, content, created string
		state, sent                int
	)

	if err := sc.Scan(&id, &name, &content, &state, &sent, &created); err != nil {
		return Entry{}, err
	}

	uid, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("eventlog id %q: %w", id, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Entry{}, fmt.Errorf("eventlog creation_time %q: %w", created, err)
	}

	return Entry{
		EventID:       uid,
		EventTypeName: name,
		Content:       []byte(content),
		State:         cbus.EventState(state),
		TimesSent:     sent,
		CreationTime:  ts,
	}, nil
}
