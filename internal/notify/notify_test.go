package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	panic  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	if s.panic {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(16, nil, sink)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		d.Publish(Event{Type: EventTaskProgress, TenantID: "acme", Data: map[string]any{"n": i}})
	}
	require.NoError(t, d.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, i, ev.Data["n"])
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestSinkFailuresAreSwallowed(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	panicking := &recordingSink{panic: true}
	healthy := &recordingSink{}
	d := NewDispatcher(4, nil, failing, panicking, healthy)
	d.Start(context.Background())

	d.Publish(Event{Type: EventError, TenantID: "acme"})
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, healthy.Events(), 1, "later sinks still receive the event")
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, nil, sink)
	d.Start(context.Background())
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() { d.Publish(Event{Type: EventJobStarted}) })
	assert.Empty(t, sink.Events())
}

func TestPublishNeverBlocks(t *testing.T) {
	d := NewDispatcher(1, nil)
	// not started: the buffer fills and further events are dropped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(Event{Type: EventTaskProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

func TestHubBroadcastsToTenantSubscribers(t *testing.T) {
	logger := zerolog.Nop()
	hub := NewHub(&logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	acme, _, err := websocket.DefaultDialer.Dial(wsURL+"?tenant=acme", nil)
	require.NoError(t, err)
	defer acme.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"?tenant=other", nil)
	require.NoError(t, err)
	defer other.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Handle(context.Background(), Event{Type: EventActionTaken, TenantID: "acme"}))

	_ = acme.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := acme.ReadMessage()
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "action_taken", msg.Type)
	assert.Equal(t, "acme", msg.Payload.TenantID)

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other tenant receives nothing")
}
