package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func TestDispatcherPublishesToDocumentSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-1")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "doc-2")
	defer otherCleanup()

	err := dispatcher.DocumentEdited(context.Background(), Event{DocumentID: "doc-1", Version: 2, Timestamp: time.Now().UTC()})
	assert.Equal(t, err, nil)

	select {
	case received := <-stream:
		assert.Equal(t, received.Version, int64(2))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
	select {
	case unexpected := <-otherStream:
		t.Fatalf("expected no event for another document, got %+v", unexpected)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherClosesStreamOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx, "doc-1")

	cancel()
	select {
	case _, open := <-stream:
		assert.Equal(t, open, false)
	case <-time.After(time.Second):
		t.Fatal("expected the stream to close after cancellation")
	}
	assert.Equal(t, dispatcher.DocumentEdited(context.Background(), Event{DocumentID: "doc-1", Version: 2}), nil)
}

func TestDispatcherCancelIsIdempotent(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancelContext := context.WithCancel(context.Background())
	stream, cancel := dispatcher.Subscribe(ctx, "doc-1")
	cancel()
	cancel()
	cancelContext()

	_, open := <-stream
	assert.Equal(t, open, false)
}

func TestDispatcherKeepsNewestEventsForSlowListener(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background(), "doc-1")
	defer cancel()

	total := listenerBuffer + 5
	for version := 1; version <= total; version++ {
		assert.Equal(t, dispatcher.DocumentEdited(context.Background(), Event{DocumentID: "doc-1", Version: int64(version)}), nil)
	}

	var versions []int64
	for len(versions) < listenerBuffer {
		select {
		case event := <-stream:
			versions = append(versions, event.Version)
		case <-time.After(time.Second):
			t.Fatalf("expected %d buffered events, got %v", listenerBuffer, versions)
		}
	}
	assert.Equal(t, versions[0], int64(total-listenerBuffer+1))
	assert.Equal(t, versions[len(versions)-1], int64(total))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) DocumentEdited(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestMultiDeliversToEveryNotifier(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("sink down")}
	healthy := &recordingNotifier{}
	err := Multi{failing, nil, healthy}.DocumentEdited(context.Background(), Event{DocumentID: "doc-1"})
	assert.Equal(t, errors.Is(err, failing.err), true)
	assert.Equal(t, len(healthy.events), 1)
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	publisher, err := NewRedisPublisher(ctx, "redis://"+server.Addr(), "")
	if err != nil {
		t.Fatalf("failed to connect publisher: %v", err)
	}
	defer publisher.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()
	subscription := redisClient.Subscribe(ctx, DefaultRedisChannel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	event := Event{DocumentID: "doc-1", UserID: "user-1", Version: 3, Timestamp: time.Unix(1700000000, 0).UTC(), PlainText: "secret body"}
	if err := publisher.DocumentEdited(ctx, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case message := <-subscription.Channel():
		var decoded map[string]any
		if err := json.Unmarshal([]byte(message.Payload), &decoded); err != nil {
			t.Fatalf("payload is not json: %v", err)
		}
		assert.Equal(t, decoded["document_id"], "doc-1")
		assert.Equal(t, decoded["version"], float64(3))
		assert.Equal(t, strings.Contains(message.Payload, "secret body"), false)
	case <-time.After(time.Second):
		t.Fatal("expected published message")
	}
}

func TestRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "://nope", "")
	assert.NotEqual(t, err, nil)
}

func TestSearchIndexerUpsertsPlainText(t *testing.T) {
	var mu sync.Mutex
	var indexedBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			_, _ = io.WriteString(w, `{"status":"available"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/indexes":
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"docrelay_documents","status":"enqueued","type":"indexCreation","enqueuedAt":"2026-10-01T12:00:00Z"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/indexes/docrelay_documents/documents":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			indexedBody = string(body)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"taskUid":2,"indexUid":"docrelay_documents","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2026-10-01T12:00:00Z"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	indexer := NewSearchIndexer(server.URL, "key", nil)
	err := indexer.DocumentEdited(context.Background(), Event{DocumentID: "doc-1", Version: 4, PlainText: "hello index", Timestamp: time.Now()})
	assert.Equal(t, err, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, strings.Contains(indexedBody, `"content":"hello index"`), true)
	assert.Equal(t, strings.Contains(indexedBody, `"id":"doc-1"`), true)
}
