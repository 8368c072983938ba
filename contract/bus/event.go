package bus

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// IntegrationEvent is a uniquely identified, timestamped record published to other services.
// Concrete events embed Event and add their own payload fields.
type IntegrationEvent interface {
	EventID() uuid.UUID
	EventCreatedAt() time.Time
}

// Event is the base every integration event embeds.
// Field names are kept in their exported form so the wire body carries "Id" and "CreationDate".
type Event struct {
	ID           uuid.UUID `json:"Id"`
	CreationDate time.Time `json:"CreationDate"`
}

// NewEvent returns an Event with a random id and the current UTC time.
func NewEvent() Event {
	return Event{ID: uuid.New(), CreationDate: time.Now().UTC()}
}

func (e Event) EventID() uuid.UUID        { return e.ID }
func (e Event) EventCreatedAt() time.Time { return e.CreationDate }

var _ IntegrationEvent = Event{}

// EventName returns the routing name of v: its simple type name with pointers dereferenced.
func EventName(v any) string {
	return TypeName(reflect.TypeOf(v))
}

// TypeName is EventName for a reflect.Type.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}
