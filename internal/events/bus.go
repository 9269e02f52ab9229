// Package events is the in-process, typed event bus that carries build
// lifecycle notifications from the bundler and the file watcher to the
// orchestrator.
//
// Delivery is synchronous with backpressure: Publish returns only after
// every matching subscriber accepted the event (or ctx ended), so each
// subscriber observes events in publish order.
package events

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// Bus routes events to subscribers by type. It is not durable.
type Bus struct {
	mu     sync.RWMutex
	routes map[reflect.Type]map[uint64]*route
	seq    atomic.Uint64
	closed atomic.Bool
	once   sync.Once
}

type route struct {
	id      uint64
	deliver func(ctx context.Context, evt any) error
	stop    func()
}

// valve guards a subscription channel: senders hold it shared, closing takes
// it exclusively after quit has released any blocked sender.
type valve struct {
	mu       sync.RWMutex
	quit     chan struct{}
	quitOnce sync.Once
	closed   bool
}

func (v *valve) shut(closeCh func()) {
	v.quitOnce.Do(func() { close(v.quit) })
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		closeCh()
	}
}

// NewBus returns an open bus with no subscribers.
func NewBus() *Bus {
	return &Bus{routes: make(map[reflect.Type]map[uint64]*route)}
}

// Subscribe returns a channel receiving events of type T and a function
// that cancels the subscription and closes the channel.
//
// When T is an interface every published event implementing it is
// delivered; otherwise the concrete type must match exactly. Subscribing to
// a closed bus yields an already closed channel.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	key := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	vl := &valve{quit: make(chan struct{})}
	closeCh := func() { vl.shut(func() { close(ch) }) }

	if b.closed.Load() {
		closeCh()
		return ch, func() {}
	}

	r := &route{
		id: b.seq.Add(1),
		deliver: func(ctx context.Context, evt any) error {
			v, ok := evt.(T)
			if !ok {
				return ferrors.InternalError("event does not match subscription type").
					WithContext("subscription", key.String()).
					WithContext("event", reflect.TypeOf(evt).String()).
					Build()
			}
			vl.mu.RLock()
			defer vl.mu.RUnlock()
			if vl.closed {
				return nil
			}
			select {
			case ch <- v:
				return nil
			case <-vl.quit:
				return nil
			case <-ctx.Done():
				return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event delivery canceled").
					WithContext("subscription", key.String()).
					Build()
			}
		},
		stop: closeCh,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		closeCh()
		return ch, func() {}
	}
	if b.routes[key] == nil {
		b.routes[key] = make(map[uint64]*route)
	}
	b.routes[key][r.id] = r

	var unsubOnce sync.Once
	return ch, func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			if set, ok := b.routes[key]; ok {
				delete(set, r.id)
				if len(set) == 0 {
					delete(b.routes, key)
				}
			}
			b.mu.Unlock()
			closeCh()
		})
	}
}

// SubscriberCount reports how many subscriptions exist for exactly type T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes[reflect.TypeFor[T]()])
}

// Publish hands evt to every matching subscriber, in subscription order,
// blocking on each until it accepts the event or ctx is done.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if ctx == nil {
		return ferrors.ValidationError("context cannot be nil").Build()
	}
	if b.closed.Load() {
		return ferrors.ClosedError("event bus is closed").Build()
	}

	targets := b.match(reflect.TypeOf(evt))
	for _, r := range targets {
		if err := r.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) match(evtType reflect.Type) []*route {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*route
	for key, set := range b.routes {
		if key != evtType && (key.Kind() != reflect.Interface || !evtType.Implements(key)) {
			continue
		}
		for _, r := range set {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// Close rejects further publishing and closes every subscription channel.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.closed.Store(true)

		b.mu.Lock()
		var all []*route
		for _, set := range b.routes {
			for _, r := range set {
				all = append(all, r)
			}
		}
		b.routes = make(map[reflect.Type]map[uint64]*route)
		b.mu.Unlock()

		for _, r := range all {
			r.stop()
		}
	})
}
