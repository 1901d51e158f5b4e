package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/noteworthy/internal/models"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func change(seq uint64, kind models.ChangeKind, id string) models.ChangeEvent {
	return models.ChangeEvent{Seq: seq, Kind: kind, NoteID: models.NoteID(id), Origin: models.OriginLocal}
}

func TestPublishChange_StatusThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First change should trigger status.updated.
	b.PublishChange(change(1, models.ChangeCreated, "a"))
	// Second change immediately should NOT trigger another status.updated.
	b.PublishChange(change(2, models.ChangeUpdated, "b"))

	// Drain and count events.
	time.Sleep(50 * time.Millisecond)
	statusCount := 0
	var notes []string
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "status.updated") {
				statusCount++
			} else {
				notes = append(notes, s)
			}
		default:
			break loop
		}
	}

	if len(notes) != 2 {
		t.Fatalf("note events = %d, want 2", len(notes))
	}
	if !strings.Contains(notes[0], "event: note.created") || !strings.Contains(notes[0], `"id":"a"`) {
		t.Errorf("unexpected first event %q", notes[0])
	}
	if !strings.Contains(notes[1], "event: note.updated") || !strings.Contains(notes[1], `"seq":2`) {
		t.Errorf("unexpected second event %q", notes[1])
	}
	if statusCount != 1 {
		t.Errorf("status events = %d, want 1 (throttled)", statusCount)
	}
}

func TestEventType(t *testing.T) {
	if got := EventType(models.ChangeManifest); got != "manifest.updated" {
		t.Errorf("EventType(manifest) = %q", got)
	}
	if got := EventType(models.ChangePurged); got != "note.purged" {
		t.Errorf("EventType(purged) = %q", got)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishChange(change(7, models.ChangeUpdated, "x"))
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: note.updated") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Overflow the client buffer (capacity 64) and the change queue; neither
	// may block.
	for i := uint64(1); i <= 2000; i++ {
		b.PublishChange(change(i, models.ChangeUpdated, "x"))
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.PublishChange(change(1, models.ChangeUpdated, "x"))
}

func TestChangeEventCarriesSeqAsID(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishChange(change(7, models.ChangeDeleted, "x"))

	select {
	case msg := <-ch:
		if !strings.HasPrefix(string(msg), "id: 7\nevent: note.deleted\n") {
			t.Errorf("unexpected frame %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

// serveFor runs the handler until d elapses and returns what it wrote.
func serveFor(t *testing.T, b *Broker, req *http.Request, d time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	w := httptest.NewRecorder()
	b.ServeHTTP(w, req.WithContext(ctx))
	return w.Body.String()
}

func TestSSEHandler_ResyncAndRetry(t *testing.T) {
	b := NewBroker(time.Second, WithRetry(1500*time.Millisecond), WithHeartbeat(0))
	defer b.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Last-Event-ID", "41")
	body := serveFor(t, b, req, 50*time.Millisecond)

	if !strings.HasPrefix(body, "retry: 1500\n\n") {
		t.Errorf("missing retry hint in %q", body)
	}
	if !strings.Contains(body, "event: resync\ndata: {\"cursor\":\"41\"}\n\n") {
		t.Errorf("missing resync event in %q", body)
	}
	if strings.Contains(body, ": ping") {
		t.Errorf("heartbeat disabled but got %q", body)
	}
}

func TestSSEHandler_Heartbeat(t *testing.T) {
	b := NewBroker(time.Second, WithHeartbeat(10*time.Millisecond))
	defer b.Close()

	body := serveFor(t, b, httptest.NewRequest(http.MethodGet, "/api/events", nil), 80*time.Millisecond)
	if !strings.Contains(body, ": ping\n\n") {
		t.Errorf("no heartbeat in %q", body)
	}
	if strings.Contains(body, "resync") {
		t.Errorf("unexpected resync without Last-Event-ID: %q", body)
	}
}

func recv(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func TestDroppedChangesTriggerResync(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishChange(change(1, models.ChangeCreated, "a"))
	if got := recv(t, ch); !strings.HasPrefix(got, "id: 1\n") {
		t.Fatalf("unexpected frame %q", got)
	}
	recv(t, ch) // status.updated

	// Changes 2 to 4 never made it into the queue.
	b.dropped.Add(3)
	b.PublishChange(change(5, models.ChangeUpdated, "a"))

	if got := recv(t, ch); got != "event: resync\ndata: {\"cursor\":\"1\"}\n\n" {
		t.Errorf("expected resync from seq 1, got %q", got)
	}
	if got := recv(t, ch); !strings.HasPrefix(got, "id: 5\nevent: note.updated\n") {
		t.Errorf("unexpected frame %q", got)
	}
	if b.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", b.Dropped())
	}

	// No new drops, no new resync.
	b.PublishChange(change(6, models.ChangeUpdated, "a"))
	if got := recv(t, ch); !strings.HasPrefix(got, "id: 6\n") {
		t.Errorf("unexpected frame %q", got)
	}
}
