package eventbus

import "time"

// Observer receives bus lifecycle notifications. Implementations must be safe for concurrent use
// and must not block; they run inline on publish and delivery paths.
type Observer interface {
	Published(event string, err error)
	Delivered(event string)
	Dropped(routingKey string)
	HandlerDone(event string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Published(string, error)                 {}
func (nopObserver) Delivered(string)                        {}
func (nopObserver) Dropped(string)                          {}
func (nopObserver) HandlerDone(string, time.Duration, error) {}
