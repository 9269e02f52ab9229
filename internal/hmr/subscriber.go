package hmr

import (
	"sync/atomic"
	"time"
)

// Subscriber is one connected HMR client. Its transport drains Messages
// until Done is closed.
type Subscriber struct {
	ID       string
	Platform string

	ch   chan Message
	done chan struct{}
	seen atomic.Int64
	hub  *Hub
}

// Messages delivers the sync message first, then every broadcast.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Done is closed when the subscriber was dropped, swept or closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Touch records transport activity (a pong, a client message).
func (s *Subscriber) Touch() { s.seen.Store(time.Now().UnixNano()) }

func (s *Subscriber) lastSeen() time.Time { return time.Unix(0, s.seen.Load()) }

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.remove(s.Platform, s.ID)
}
