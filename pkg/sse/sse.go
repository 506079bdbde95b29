package sse

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 15 * time.Second

// HeartbeatType marks the synthetic keep-alive event the relay injects
// every heartbeatInterval. It is never published on the event bus itself.
const HeartbeatType events.Type = "sse.heartbeat"

// Filter restricts a Subscription to a subset of bus events. An empty
// EventTypes matches every type. InstanceIDs/WorkerIDs only constrain
// events whose AggregateID belongs to that dimension (worker.* or
// instance.* events); scaling and system events carry no per-aggregate
// id and always pass the id dimension.
type Filter struct {
	InstanceIDs []string
	WorkerIDs   []string
	EventTypes  []events.Type
}

func (f Filter) matches(evt *events.Event) bool {
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, evt.Type) {
		return false
	}
	if len(f.InstanceIDs) == 0 && len(f.WorkerIDs) == 0 {
		return true
	}
	switch {
	case strings.HasPrefix(string(evt.Type), "instance."):
		return len(f.InstanceIDs) == 0 || containsString(f.InstanceIDs, evt.AggregateID)
	case strings.HasPrefix(string(evt.Type), "worker."):
		return len(f.WorkerIDs) == 0 || containsString(f.WorkerIDs, evt.AggregateID)
	default:
		return true
	}
}

func containsType(list []events.Type, t events.Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Subscription is one SSE client's filtered, bounded view of the bus.
// The transport that frames these as SSE wire bytes ranges over Events
// until it's closed, then disconnects the client.
type Subscription struct {
	ID     string
	Events chan *events.Event
}

type subscriberState struct {
	filter Filter
	out    chan *events.Event
}

// Hub is the SSE Relay's subscriber registry: it owns a single
// subscription to the event bus and fans each event out to every
// registered Subscription whose Filter matches, dropping (and
// disconnecting) any subscriber whose bounded queue is full rather than
// blocking the broker.
type Hub struct {
	bus        *events.Broker
	queueDepth int

	mu   sync.Mutex
	subs map[string]*subscriberState

	busSub         events.Subscriber
	stopCh         chan struct{}
	doneCh         chan struct{}
	logger         zerolog.Logger
	heartbeatEvery time.Duration
}

// NewHub creates a relay hub backed by bus. queueDepth is the default
// per-subscriber buffer size (the §6 sse.queue_depth option).
func NewHub(bus *events.Broker, queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Hub{
		bus:            bus,
		queueDepth:     queueDepth,
		subs:           make(map[string]*subscriberState),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		logger:         log.WithComponent("sse"),
		heartbeatEvery: heartbeatInterval,
	}
}

// heartbeatIntervalOverride lets tests shrink the heartbeat period; must
// be called before Start.
func (h *Hub) heartbeatIntervalOverride(d time.Duration) {
	h.heartbeatEvery = d
}

// Start subscribes the hub to the event bus and begins the dispatch and
// heartbeat loops.
func (h *Hub) Start() {
	h.busSub = h.bus.Subscribe(1024)
	go h.run()
	go h.heartbeat()
}

// Stop sends system.shutdown to every subscriber, closes their queues,
// and unsubscribes from the bus.
func (h *Hub) Stop() {
	close(h.stopCh)
	// Unsubscribe closes busSub, which is what ends run() and closes doneCh.
	h.bus.Unsubscribe(h.busSub)
	<-h.doneCh
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for evt := range h.busSub {
		h.dispatch(evt)
	}
}

// Subscribe registers a new filtered subscriber and returns its handle.
// Callers must eventually call Unsubscribe, or rely on Stop/queue
// overflow to release it.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	id := uuid.New().String()
	out := make(chan *events.Event, h.queueDepth)

	h.mu.Lock()
	h.subs[id] = &subscriberState{filter: filter, out: out}
	h.mu.Unlock()

	metrics.SSESubscribersActive.Inc()
	return &Subscription{ID: id, Events: out}
}

// Unsubscribe removes and closes a subscriber's queue.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, false)
}

func (h *Hub) removeLocked(id string, overflow bool) {
	st, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(st.out)
	metrics.SSESubscribersActive.Dec()
	if overflow {
		metrics.SSEDroppedTotal.Inc()
		h.logger.Warn().Str("subscriber_id", id).Msg("sse subscriber dropped: queue_overflow")
	}
}

func (h *Hub) dispatch(evt *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, st := range h.subs {
		if !st.filter.matches(evt) {
			continue
		}
		select {
		case st.out <- evt:
		default:
			h.removeLocked(id, true)
		}
	}
}

func (h *Hub) heartbeat() {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.dispatch(&events.Event{ID: "heartbeat-" + uuid.New().String(), Type: HeartbeatType, Timestamp: time.Now()})
		case <-h.stopCh:
			h.shutdownAll()
			return
		}
	}
}

func (h *Hub) shutdownAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	shutdown := &events.Event{ID: "shutdown-" + uuid.New().String(), Type: events.SystemShutdown, Timestamp: time.Now()}
	for id, st := range h.subs {
		select {
		case st.out <- shutdown:
		default:
		}
		delete(h.subs, id)
		close(st.out)
		metrics.SSESubscribersActive.Dec()
	}
}

// Active returns the current number of registered subscribers.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
