package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
)

type OrderCreated struct {
	cbus.Event
	OrderID int
	Items   []string
}

type OrderShipped struct {
	cbus.Event
	OrderID int
}

// recorder is a comparable handler that forwards events to a channel.
type recorder struct {
	name string
	got  chan OrderCreated
}

func newRecorder(name string, buf int) *recorder {
	return &recorder{name: name, got: make(chan OrderCreated, buf)}
}

func (r *recorder) Handle(ctx context.Context, e OrderCreated) error {
	r.got <- e

	return nil
}

func waitFor[T any](t *testing.T, c <-chan T) T {
	t.Helper()

	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}

	var zero T

	return zero
}

func newBus(t *testing.T, opts ...eventbus.Option) (*eventbus.Bus, *inmemory.Broker) {
	t.Helper()

	broker := inmemory.New()
	b := eventbus.New(broker, opts...)

	t.Cleanup(func() { _ = b.Close() })

	return b, broker
}

func TestSubscribePublish_DeliversDecodedEvent(t *testing.T) {
	b, _ := newBus(t)
	h := newRecorder("h", 1)

	if err := eventbus.Subscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := OrderCreated{Event: cbus.NewEvent(), OrderID: 42, Items: []string{"a", "b"}}
	if err := b.Publish(t.Context(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitFor(t, h.got)
	if got.ID != sent.ID || got.OrderID != 42 || len(got.Items) != 2 || got.Items[1] != "b" {
		t.Fatalf("decoded mismatch: %+v", got)
	}

	if !got.CreationDate.Equal(sent.CreationDate) {
		t.Fatalf("creation date mismatch: %v vs %v", got.CreationDate, sent.CreationDate)
	}

	select {
	case extra := <-h.got:
		t.Fatalf("unexpected second invocation: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_SequentialInRegistrationOrder(t *testing.T) {
	b, _ := newBus(t)

	var (
		mu    sync.Mutex
		trace []string
	)

	done := make(chan struct{}, 2)
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	h1 := cbus.HandlerFunc[OrderCreated](func(ctx context.Context, e OrderCreated) error {
		record("h1:start")
		time.Sleep(30 * time.Millisecond)
		record("h1:end")
		done <- struct{}{}

		return nil
	})
	h2 := cbus.HandlerFunc[OrderCreated](func(ctx context.Context, e OrderCreated) error {
		record("h2:start")
		done <- struct{}{}

		return nil
	})

	if err := eventbus.Subscribe[OrderCreated](b, h1); err != nil {
		t.Fatalf("subscribe h1: %v", err)
	}

	if err := eventbus.Subscribe[OrderCreated](b, h2); err != nil {
		t.Fatalf("subscribe h2: %v", err)
	}

	if err := b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, done)
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()

	want := []string{"h1:start", "h1:end", "h2:start"}
	if len(trace) != len(want) {
		t.Fatalf("trace=%v", trace)
	}

	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace=%v want %v", trace, want)
		}
	}
}

func TestOrderCreatedScenario(t *testing.T) {
	b, broker := newBus(t)
	h := newRecorder("h", 4)

	publish := func(id int) {
		t.Helper()

		if err := b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: id}); err != nil {
			t.Fatalf("publish %d: %v", id, err)
		}
	}

	if err := eventbus.Subscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	firstQueue := b.QueueName()

	publish(1)

	if got := waitFor(t, h.got); got.OrderID != 1 {
		t.Fatalf("want id=1, got %d", got.OrderID)
	}

	if err := eventbus.Unsubscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if b.HasSubscriptionsForEvent("OrderCreated") || !b.IsEmpty() || b.QueueName() != "" {
		t.Fatalf("bus not unbound after last unsubscribe")
	}

	publish(2)

	if err := eventbus.Subscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if b.QueueName() == "" || b.QueueName() == firstQueue {
		t.Fatalf("want fresh queue, got %q (first %q)", b.QueueName(), firstQueue)
	}

	publish(3)

	if got := waitFor(t, h.got); got.OrderID != 3 {
		t.Fatalf("want id=3, got %d", got.OrderID)
	}

	select {
	case extra := <-h.got:
		t.Fatalf("unexpected invocation: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// all three messages reached the broker regardless of local state
	if n := len(broker.Published()); n != 3 {
		t.Fatalf("want 3 published, got %d", n)
	}
}

func TestFullUnsubscribe_ReconnectsWithFreshConnection(t *testing.T) {
	b, broker := newBus(t)
	h := newRecorder("h", 1)
	s := cbus.HandlerFunc[OrderShipped](func(ctx context.Context, e OrderShipped) error { return nil })

	_ = eventbus.Subscribe[OrderCreated](b, h)
	_ = eventbus.Subscribe[OrderShipped](b, s)

	if broker.Dials() != 1 {
		t.Fatalf("want one connection for two types, got %d dials", broker.Dials())
	}

	q := b.QueueName()
	if len(broker.Bound(eventbus.DefaultExchange, "OrderCreated")) != 1 ||
		len(broker.Bound(eventbus.DefaultExchange, "OrderShipped")) != 1 {
		t.Fatalf("routes not bound")
	}

	_ = eventbus.Unsubscribe[OrderShipped](b, s)

	if b.QueueName() != q || len(broker.Bound(eventbus.DefaultExchange, "OrderShipped")) != 0 {
		t.Fatalf("partial unsubscribe must only unbind its route")
	}

	_ = eventbus.Unsubscribe[OrderCreated](b, h)

	if len(broker.Queues()) != 0 {
		t.Fatalf("queue survived teardown: %v", broker.Queues())
	}

	if err := eventbus.Subscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if broker.Dials() != 2 {
		t.Fatalf("want fresh connection, got %d dials", broker.Dials())
	}

	if bound := broker.Bound(eventbus.DefaultExchange, "OrderShipped"); len(bound) != 0 {
		t.Fatalf("residual binding: %v", bound)
	}
}

func TestUnsubscribe_NoOps(t *testing.T) {
	b, broker := newBus(t)
	h := newRecorder("h", 1)
	other := newRecorder("other", 1)

	if err := eventbus.Unsubscribe[OrderCreated](b, h); err != nil {
		t.Fatalf("unknown type: %v", err)
	}

	_ = eventbus.Subscribe[OrderCreated](b, h)

	if err := eventbus.Unsubscribe[OrderCreated](b, other); err != nil {
		t.Fatalf("unknown handler: %v", err)
	}

	if !b.HasSubscriptionsForEvent("OrderCreated") || broker.Dials() != 1 {
		t.Fatalf("no-op unsubscribe changed state")
	}
}

func TestDuplicateHandler_InvokedTwiceAndRemovedOnce(t *testing.T) {
	b, _ := newBus(t)
	h := newRecorder("h", 4)

	_ = eventbus.Subscribe[OrderCreated](b, h)
	_ = eventbus.Subscribe[OrderCreated](b, h)

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 1})
	waitFor(t, h.got)
	waitFor(t, h.got)

	_ = eventbus.Unsubscribe[OrderCreated](b, h)

	if !b.HasSubscriptionsForEvent("OrderCreated") {
		t.Fatalf("second registration must survive")
	}

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 2})

	if got := waitFor(t, h.got); got.OrderID != 2 {
		t.Fatalf("want id=2, got %d", got.OrderID)
	}

	select {
	case extra := <-h.got:
		t.Fatalf("unexpected invocation: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerFailure_IsIsolated(t *testing.T) {
	b, _ := newBus(t)
	h := newRecorder("h", 2)

	failing := cbus.HandlerFunc[OrderCreated](func(ctx context.Context, e OrderCreated) error {
		return errors.New("boom")
	})
	panicking := cbus.HandlerFunc[OrderCreated](func(ctx context.Context, e OrderCreated) error {
		panic("kaboom")
	})

	_ = eventbus.Subscribe[OrderCreated](b, failing)
	_ = eventbus.Subscribe[OrderCreated](b, panicking)
	_ = eventbus.Subscribe[OrderCreated](b, h)

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 1})
	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 2})

	if got := waitFor(t, h.got); got.OrderID != 1 {
		t.Fatalf("want id=1, got %d", got.OrderID)
	}

	if got := waitFor(t, h.got); got.OrderID != 2 {
		t.Fatalf("want id=2, got %d", got.OrderID)
	}
}

func TestPublish_WithoutSubscribers(t *testing.T) {
	b, broker := newBus(t)

	if err := b.Publish(t.Context(), OrderShipped{Event: cbus.NewEvent(), OrderID: 9}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub := broker.Published()
	if len(pub) != 1 || pub[0].RoutingKey != "OrderShipped" || pub[0].Exchange != eventbus.DefaultExchange {
		t.Fatalf("unexpected published: %+v", pub)
	}

	if pub[0].Message.ContentType != "application/json" || pub[0].Message.ID == "" {
		t.Fatalf("unexpected message: %+v", pub[0].Message)
	}

	if b.QueueName() != "" {
		t.Fatalf("publish must not bind a queue")
	}
}

func TestPublish_ReusesConnectionUnlessTransient(t *testing.T) {
	b, broker := newBus(t)

	for i := range 3 {
		_ = b.Publish(t.Context(), OrderShipped{Event: cbus.NewEvent(), OrderID: i})
	}

	if broker.Dials() != 1 {
		t.Fatalf("want 1 dial, got %d", broker.Dials())
	}

	tb, tbroker := newBus(t, eventbus.WithTransientPublish(), eventbus.WithExchange("orders"))

	for i := range 3 {
		if err := tb.Publish(t.Context(), OrderShipped{Event: cbus.NewEvent(), OrderID: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if tbroker.Dials() != 3 {
		t.Fatalf("want 3 dials, got %d", tbroker.Dials())
	}

	if pub := tbroker.Published(); pub[0].Exchange != "orders" {
		t.Fatalf("exchange=%q", pub[0].Exchange)
	}
}

func TestConnectionFailure_Propagates(t *testing.T) {
	b, broker := newBus(t)
	broker.FailDial(errors.New("connection refused"))

	err := eventbus.Subscribe[OrderCreated](b, newRecorder("h", 1))
	if !errors.Is(err, berr.ErrConnectionFailed) {
		t.Fatalf("subscribe: want ErrConnectionFailed, got %v", err)
	}

	if b.HasSubscriptionsForEvent("OrderCreated") {
		t.Fatalf("failed subscribe must not register")
	}

	err = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent()})
	if !errors.Is(err, berr.ErrConnectionFailed) {
		t.Fatalf("publish: want ErrConnectionFailed, got %v", err)
	}

	broker.FailDial(nil)

	if err := eventbus.Subscribe[OrderCreated](b, newRecorder("h", 1)); err != nil {
		t.Fatalf("subscribe after recovery: %v", err)
	}
}

func TestSubscribe_TypeMismatchOnSameName(t *testing.T) {
	b, _ := newBus(t)

	_ = eventbus.Subscribe[OrderCreated](b, newRecorder("h", 1))

	err := b.SubscribeOf(&OrderCreated{}, func(ctx context.Context, e cbus.IntegrationEvent) error { return nil })
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}

	err = eventbus.Subscribe[cbus.IntegrationEvent](b,
		cbus.HandlerFunc[cbus.IntegrationEvent](func(ctx context.Context, e cbus.IntegrationEvent) error { return nil }))
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("interface type: want ErrHandlerTypeMismatch, got %v", err)
	}
}

func TestSubscribeOf_PointerEvents(t *testing.T) {
	b, _ := newBus(t)
	got := make(chan *OrderShipped, 1)

	handler := func(ctx context.Context, e cbus.IntegrationEvent) error {
		got <- e.(*OrderShipped)
		return nil
	}

	if err := b.SubscribeOf(&OrderShipped{}, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = b.Publish(t.Context(), &OrderShipped{Event: cbus.NewEvent(), OrderID: 5})

	if e := waitFor(t, got); e.OrderID != 5 {
		t.Fatalf("want 5, got %d", e.OrderID)
	}

	if err := b.UnsubscribeOf(&OrderShipped{}, handler); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if !b.IsEmpty() {
		t.Fatalf("expected empty bus")
	}
}

func TestConcurrentFanOut_DeliversToEveryHandler(t *testing.T) {
	b, _ := newBus(t, eventbus.WithConcurrency(4))

	const n = 4

	release := make(chan struct{})
	started := make(chan int, n)

	for i := range n {
		h := cbus.HandlerFunc[OrderCreated](func(ctx context.Context, e OrderCreated) error {
			started <- i
			<-release

			return nil
		})
		if err := eventbus.Subscribe[OrderCreated](b, h); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent()})

	// all handlers are in flight at once
	for range n {
		waitFor(t, started)
	}

	close(release)
}

func TestPropagatorAndHeaders(t *testing.T) {
	b, _ := newBus(t, eventbus.WithPropagator(traceProp{}))
	got := make(chan map[string]string, 1)

	_ = eventbus.Subscribe[OrderShipped](b, cbus.HandlerFunc[OrderShipped](
		func(ctx context.Context, e OrderShipped) error {
			got <- eventbus.HeadersFromContext(ctx)
			return nil
		}))

	_ = b.Publish(t.Context(), OrderShipped{Event: cbus.NewEvent()})

	if h := waitFor(t, got); h["traceparent"] != "00-abc-01" {
		t.Fatalf("headers=%v", h)
	}
}

type traceProp struct{}

func (traceProp) Inject(ctx context.Context, headers map[string]string) {
	headers["traceparent"] = "00-abc-01"
}

func TestClose_DrainsAndRejects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := inmemory.New()
	b := eventbus.New(broker)

	entered := make(chan struct{})
	finished := make(chan struct{})

	_ = eventbus.Subscribe[OrderCreated](b, cbus.HandlerFunc[OrderCreated](
		func(ctx context.Context, e OrderCreated) error {
			close(entered)
			time.Sleep(50 * time.Millisecond)
			close(finished)

			return nil
		}))

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent()})
	waitFor(t, entered)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-finished:
	default:
		t.Fatalf("close returned before in-flight handler finished")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent()}); !errors.Is(err, berr.ErrBusClosed) {
		t.Fatalf("publish after close: %v", err)
	}

	if err := eventbus.Subscribe[OrderCreated](b, newRecorder("h", 1)); !errors.Is(err, berr.ErrBusClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}

	if len(broker.Queues()) != 0 {
		t.Fatalf("queues left after close: %v", broker.Queues())
	}
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	b, _ := newBus(t)
	done := make(chan error, 1)

	h := &selfRemover{b: b, done: done}

	_ = eventbus.Subscribe[OrderCreated](b, h)
	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent()})

	if err := waitFor(t, done); err != nil {
		t.Fatalf("unsubscribe from handler: %v", err)
	}

	if !b.IsEmpty() {
		t.Fatalf("expected empty bus")
	}
}

type selfRemover struct {
	b    *eventbus.Bus
	done chan error
}

func (s *selfRemover) Handle(ctx context.Context, e OrderCreated) error {
	s.done <- eventbus.Unsubscribe[OrderCreated](s.b, s)
	return nil
}

func TestConcurrentFirstSubscribe_DialsOnce(t *testing.T) {
	b, broker := newBus(t)

	const n = 8

	handlers := make([]*recorder, n)
	for i := range handlers {
		handlers[i] = newRecorder("h", 1)
	}

	start := make(chan struct{})
	errs := make(chan error, n)

	var wg sync.WaitGroup

	for _, h := range handlers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start
			errs <- eventbus.Subscribe[OrderCreated](b, h)
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if d := broker.Dials(); d != 1 {
		t.Fatalf("concurrent first subscriptions must share one connection, got %d dials", d)
	}

	if q := broker.Queues(); len(q) != 1 {
		t.Fatalf("want one queue, got %v", q)
	}

	if bound := broker.Bound(eventbus.DefaultExchange, "OrderCreated"); len(bound) != 1 {
		t.Fatalf("want one binding, got %v", bound)
	}

	if err := b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, h := range handlers {
		if e := waitFor(t, h.got); e.OrderID != 7 {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestUnsubscribe_HandlerIdentity(t *testing.T) {
	b, _ := newBus(t)

	// pointer handlers are distinct even when their fields are equal
	h1, h2 := newRecorder("h", 1), newRecorder("h", 1)
	_ = eventbus.Subscribe[OrderCreated](b, h1)
	_ = eventbus.Subscribe[OrderCreated](b, h2)
	_ = eventbus.Unsubscribe[OrderCreated](b, h2)

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 1})

	if e := waitFor(t, h1.got); e.OrderID != 1 {
		t.Fatalf("h1 got %+v", e)
	}

	select {
	case e := <-h2.got:
		t.Fatalf("removed handler invoked with %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	_ = eventbus.Unsubscribe[OrderCreated](b, h1)

	// closures from one literal share a code pointer, so removing either removes the first
	mk := func(c chan int) cbus.HandlerFunc[OrderCreated] {
		return func(_ context.Context, e OrderCreated) error {
			c <- e.OrderID
			return nil
		}
	}

	c1, c2 := make(chan int, 1), make(chan int, 1)
	_ = eventbus.Subscribe[OrderCreated](b, mk(c1))
	_ = eventbus.Subscribe[OrderCreated](b, mk(c2))
	_ = eventbus.Unsubscribe[OrderCreated](b, mk(c2))

	_ = b.Publish(t.Context(), OrderCreated{Event: cbus.NewEvent(), OrderID: 2})

	if id := waitFor(t, c2); id != 2 {
		t.Fatalf("c2 got %d", id)
	}

	select {
	case id := <-c1:
		t.Fatalf("first closure should have been removed, got %d", id)
	case <-time.After(50 * time.Millisecond):
	}
}
