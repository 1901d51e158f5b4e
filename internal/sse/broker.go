// Package sse implements a Server-Sent Events broker that streams committed
// note changes to editor clients.
//
// Change events carry the journal sequence as their SSE id. A client that
// reconnects with Last-Event-ID first receives a "resync" event naming the
// cursor to replay from GET /api/changes, since the broker keeps no backlog.
// Connected clients get the same event when changes had to be dropped.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/noteworthy/internal/models"
)

// Event represents an SSE event to broadcast.
type Event struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// encode renders e in the text/event-stream wire format.
func (e Event) encode() ([]byte, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", e.Type, payload)
	return buf.Bytes(), nil
}

// ChangeData is the payload of note.* and manifest.updated events.
type ChangeData struct {
	Seq    uint64        `json:"seq"`
	ID     models.NoteID `json:"id,omitempty"`
	Kind   string        `json:"kind"`
	Origin string        `json:"origin"`
}

// ResyncData tells a reconnecting client where to resume the changes feed.
type ResyncData struct {
	Cursor string `json:"cursor"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets how often idle streams get a comment line so proxies
// keep the connection open. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// WithRetry sets the reconnect delay advertised to clients.
func WithRetry(d time.Duration) Option {
	return func(b *Broker) { b.retry = d }
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop owns the client set and the status throttle timestamp.
// Public methods talk to it over channels.
type Broker struct {
	statusMin time.Duration
	heartbeat time.Duration
	retry     time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	changeCh      chan models.ChangeEvent
	countReqCh    chan chan int

	dropped atomic.Int64

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits at most one status.updated event per
// statusThrottle.
func NewBroker(statusThrottle time.Duration, opts ...Option) *Broker {
	if statusThrottle <= 0 {
		statusThrottle = 2 * time.Second
	}

	b := &Broker{
		statusMin:     statusThrottle,
		heartbeat:     30 * time.Second,
		retry:         3 * time.Second,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		changeCh:      make(chan models.ChangeEvent, 1024),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

// EventType maps a change kind to its SSE event name.
func EventType(kind models.ChangeKind) string {
	if kind == models.ChangeManifest {
		return "manifest.updated"
	}
	return "note." + string(kind)
}

func changeEvent(ev models.ChangeEvent) Event {
	return Event{
		ID:   strconv.FormatUint(ev.Seq, 10),
		Type: EventType(ev.Kind),
		Data: ChangeData{
			Seq:    ev.Seq,
			ID:     ev.NoteID,
			Kind:   string(ev.Kind),
			Origin: string(ev.Origin),
		},
	}
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastStatus  time.Time
		lastSeq     uint64
		seenDropped int64
	)

	broadcast := func(event Event) {
		raw, err := event.encode()
		if err != nil {
			return
		}
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; it resyncs from the changes feed.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.changeCh:
			if d := b.dropped.Load(); d != seenDropped {
				seenDropped = d
				broadcast(Event{Type: "resync", Data: ResyncData{Cursor: strconv.FormatUint(lastSeq, 10)}})
			}
			broadcast(changeEvent(ev))
			lastSeq = ev.Seq

			if now := time.Now(); now.Sub(lastStatus) >= b.statusMin {
				lastStatus = now
				broadcast(Event{Type: "status.updated", Data: map[string]uint64{"seq": ev.Seq}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// PublishChange queues a committed change and a throttled status.updated
// event. It never blocks: it runs on the mutation path, so when the queue is
// full the change is dropped and counted, and the next change that gets
// through is preceded by a resync event.
func (b *Broker) PublishChange(ev models.ChangeEvent) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many changes PublishChange had to drop.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", b.retry.Milliseconds())

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if raw, err := (Event{Type: "resync", Data: ResyncData{Cursor: last}}).encode(); err == nil {
			_, _ = w.Write(raw)
		}
	}
	flusher.Flush()

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
