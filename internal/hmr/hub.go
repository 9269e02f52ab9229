package hmr

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/logfields"
	"git.home.luguber.info/inful/packd/internal/metrics"
)

const (
	defaultQueueSize = 16
	sinkQueueSize    = 256
)

// Sink is an extra broadcast target besides connected subscribers.
type Sink interface {
	Publish(platform string, msg Message) error
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize bounds the per-subscriber queue. A subscriber whose queue
// is full when a message arrives is dropped.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithSink(s Sink) Option {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

type sinkItem struct {
	platform string
	msg      Message
}

// Hub keeps the subscribers of every platform and the latest successful
// snapshot used to sync new ones. Broadcasts for one platform are
// serialized, so each subscriber sees them in call order.
type Hub struct {
	queueSize int
	sinks     []Sink
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[string]*Subscriber
	latest map[string]*bundle.Stats
	closed bool

	sinkCh   chan sinkItem
	sinkDone chan struct{}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize: defaultQueueSize,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		subs:      make(map[string]map[string]*Subscriber),
		latest:    make(map[string]*bundle.Stats),
		sinkCh:    make(chan sinkItem, sinkQueueSize),
		sinkDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.forward()
	return h
}

// Subscribe registers a subscriber for platform and queues a sync message
// carrying the latest snapshot (null before the first successful build).
func (h *Hub) Subscribe(platform string) *Subscriber {
	s := &Subscriber{
		ID:       uuid.NewString(),
		Platform: platform,
		ch:       make(chan Message, h.queueSize),
		done:     make(chan struct{}),
		hub:      h,
	}
	s.Touch()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.done)
		return s
	}
	s.ch <- syncMessage(h.latest[platform])
	if h.subs[platform] == nil {
		h.subs[platform] = make(map[string]*Subscriber)
	}
	h.subs[platform][s.ID] = s
	h.recorder.SetHMRSubscribers(platform, len(h.subs[platform]))
	h.logger.Debug("HMR subscriber connected", logfields.Platform(platform), logfields.ClientID(s.ID))
	return s
}

// Building announces that a build of platform started.
func (h *Hub) Building(platform string) {
	h.broadcast(platform, buildingMessage())
}

// Built announces a finished build. Snapshots without errors become the
// sync payload for later subscribers.
func (h *Hub) Built(platform string, stats *bundle.Stats) {
	msg := builtMessage(stats)
	if stats != nil && !stats.HasErrors() {
		h.mu.Lock()
		h.latest[platform] = msg.Body
		h.mu.Unlock()
	}
	h.broadcast(platform, msg)
}

func (h *Hub) broadcast(platform string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	dropped := 0
	for id, s := range h.subs[platform] {
		select {
		case s.ch <- msg:
		default:
			dropped++
			h.removeLocked(platform, id)
		}
	}
	if dropped > 0 {
		h.logger.Warn("Dropped slow HMR subscribers", logfields.Platform(platform), slog.Int("dropped", dropped))
	}

	if len(h.sinks) > 0 {
		select {
		case h.sinkCh <- sinkItem{platform: platform, msg: msg}:
		default:
			h.logger.Warn("HMR sink queue full, message dropped", logfields.Platform(platform))
		}
	}
	h.logger.Debug("HMR broadcast",
		logfields.Platform(platform),
		slog.String("action", string(msg.Action)),
		logfields.Clients(len(h.subs[platform])))
}

func (h *Hub) forward() {
	defer close(h.sinkDone)
	for item := range h.sinkCh {
		for _, s := range h.sinks {
			if err := s.Publish(item.platform, item.msg); err != nil {
				h.logger.Warn("HMR sink publish failed", logfields.Platform(item.platform), logfields.Error(err))
			}
		}
	}
}

func (h *Hub) remove(platform, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(platform, id)
}

func (h *Hub) removeLocked(platform, id string) {
	set := h.subs[platform]
	s, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, platform)
	}
	close(s.done)
	h.recorder.SetHMRSubscribers(platform, len(set))
}

// Sweep drops subscribers not touched within idle and reports the number
// of remaining subscribers per platform.
func (h *Hub) Sweep(idle time.Duration) map[string]int {
	cutoff := time.Now().Add(-idle)

	h.mu.Lock()
	defer h.mu.Unlock()
	for platform, set := range h.subs {
		for id, s := range set {
			if s.lastSeen().Before(cutoff) {
				h.logger.Info("Removing idle HMR subscriber", logfields.Platform(platform), logfields.ClientID(id))
				h.removeLocked(platform, id)
			}
		}
	}
	counts := make(map[string]int, len(h.subs))
	for platform, set := range h.subs {
		counts[platform] = len(set)
	}
	return counts
}

// Count returns the number of subscribers of platform.
func (h *Hub) Count(platform string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[platform])
}

// Platforms lists platforms that currently have subscribers.
func (h *Hub) Platforms() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.subs))
	for p := range h.subs {
		out = append(out, p)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

// Shutdown disconnects every subscriber and flushes pending sink messages.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for platform, set := range h.subs {
		for id := range set {
			h.removeLocked(platform, id)
		}
	}
	close(h.sinkCh)
	h.mu.Unlock()
	<-h.sinkDone
}
