package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"github.com/MarcoPoloResearchLab/docrelay/internal/persistence"
	"go.uber.org/zap"
)

var errTransportClosed = errors.New("memory transport closed")

// memoryTransport is an in-process Transport. The test side pushes frames into inbound and reads
// what the server wrote from outbound.
type memoryTransport struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	hungUp   chan struct{}
	stalled  atomic.Bool

	mu           sync.Mutex
	readDeadline time.Time
	closeOnce    sync.Once
	hangupOnce   sync.Once
	closeCode    int
	closeReason  string
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 4096),
		closed:   make(chan struct{}),
		hungUp:   make(chan struct{}),
	}
}

func (t *memoryTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	deadline := t.readDeadline
	t.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.hungUp:
		return nil, io.EOF
	case <-t.closed:
		return nil, io.EOF
	case <-expired:
		return nil, os.ErrDeadlineExceeded
	}
}

func (t *memoryTransport) WriteMessage(data []byte, deadline time.Time) error {
	if t.stalled.Load() {
		select {
		case <-t.closed:
			return errTransportClosed
		case <-time.After(time.Until(deadline)):
			return os.ErrDeadlineExceeded
		}
	}
	select {
	case t.outbound <- data:
		return nil
	case <-t.closed:
		return errTransportClosed
	}
}

func (t *memoryTransport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	t.readDeadline = deadline
	t.mu.Unlock()
	return nil
}

func (t *memoryTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.closeReason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *memoryTransport) hangUp() {
	t.hangupOnce.Do(func() { close(t.hungUp) })
}

func (t *memoryTransport) closeStatus() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason
}

// testPeer is a client replica speaking the relay protocol over a memoryTransport.
type testPeer struct {
	testContext *testing.T
	transport   *memoryTransport
	conn        *Connection
	served      chan error
	keepAlives  atomic.Int32

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness map[uint64]json.RawMessage
}

func joinPeer(testContext *testing.T, registry *Registry, documentID string, clientID uint64, permission access.Permission, cfg ConnectionConfig) *testPeer {
	testContext.Helper()
	transport := newMemoryTransport()
	grant := access.Grant{SubjectID: fmt.Sprintf("user-%d", clientID), Permission: permission}
	peer := &testPeer{
		testContext: testContext,
		transport:   transport,
		conn:        NewConnection(transport, grant, cfg),
		served:      make(chan error, 1),
		doc:         crdt.NewDoc(clientID),
		awareness:   map[uint64]json.RawMessage{},
	}
	go func() {
		peer.served <- registry.Serve(context.Background(), documentID, peer.conn)
	}()
	go peer.pump()
	peer.send(MessageSyncStep1, peer.doc.StateVector())
	testContext.Cleanup(transport.hangUp)
	return peer
}

func (p *testPeer) pump() {
	for {
		select {
		case raw := <-p.transport.outbound:
			p.receive(raw)
		case <-p.transport.closed:
			return
		}
	}
}

func (p *testPeer) receive(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		p.testContext.Errorf("server sent an invalid frame: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch frame.Type {
	case MessageSyncStep1:
		diff, err := p.doc.DiffSince(frame.Payload)
		if err != nil {
			p.testContext.Errorf("server sent an invalid state vector: %v", err)
			return
		}
		p.send(MessageSyncStep2, diff)
	case MessageSyncStep2, MessageUpdate:
		if _, err := p.doc.ApplyUpdate(frame.Payload); err != nil {
			p.testContext.Errorf("server sent an invalid update: %v", err)
		}
	case MessageAwareness:
		changes, err := DecodeAwareness(frame.Payload)
		if err != nil {
			p.testContext.Errorf("server sent invalid awareness: %v", err)
			return
		}
		for _, change := range changes {
			if change.cleared() {
				delete(p.awareness, change.ClientID)
				continue
			}
			p.awareness[change.ClientID] = change.State
		}
	case MessageKeepAlive:
		p.keepAlives.Add(1)
	}
}

func (p *testPeer) send(frameType MessageType, payload []byte) {
	p.sendRaw(EncodeFrame(frameType, payload))
}

func (p *testPeer) sendRaw(raw []byte) {
	select {
	case p.transport.inbound <- raw:
	case <-p.transport.closed:
	case <-time.After(time.Second):
		p.testContext.Errorf("peer could not send a frame")
	}
}

func (p *testPeer) insert(index int, text string) {
	p.testContext.Helper()
	p.mu.Lock()
	update, err := p.doc.Insert(crdt.DefaultRoot, index, text)
	p.mu.Unlock()
	if err != nil {
		p.testContext.Fatalf("local insert failed: %v", err)
	}
	p.send(MessageUpdate, update)
}

func (p *testPeer) announce(clientID, clock uint64, state string) {
	p.send(MessageAwareness, EncodeAwareness([]AwarenessChange{{ClientID: clientID, Clock: clock, State: json.RawMessage(state)}}))
}

func (p *testPeer) text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Text(crdt.DefaultRoot)
}

func (p *testPeer) sees(clientID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.awareness[clientID]
	return ok
}

func (p *testPeer) awaitClose(testContext *testing.T) int {
	testContext.Helper()
	select {
	case <-p.transport.closed:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected the connection to close")
	}
	code, _ := p.transport.closeStatus()
	return code
}

func (p *testPeer) isOpen() bool {
	select {
	case <-p.transport.closed:
		return false
	default:
		return true
	}
}

func eventually(testContext *testing.T, description string, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			testContext.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// memoryStore serves both session loads and snapshot writes.
type memoryStore struct {
	mu        sync.Mutex
	meta      map[string]documents.DocMeta
	blobs     map[string][]byte
	contents  map[string]string
	metaLoads atomic.Int32
	loadDelay time.Duration
}

func newMemoryStore(documentIDs ...string) *memoryStore {
	store := &memoryStore{meta: map[string]documents.DocMeta{}, blobs: map[string][]byte{}, contents: map[string]string{}}
	for _, documentID := range documentIDs {
		store.meta[documentID] = documents.DocMeta{ID: documentID, OwnerID: "owner", Version: 1}
	}
	return store
}

func (s *memoryStore) LoadDocMeta(_ context.Context, documentID string) (documents.DocMeta, error) {
	s.metaLoads.Add(1)
	time.Sleep(s.loadDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.meta[documentID]
	if !ok {
		return documents.DocMeta{}, documents.ErrNotFound
	}
	return meta, nil
}

func (s *memoryStore) LoadCrdtBlob(_ context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[documentID], nil
}

func (s *memoryStore) LatestVersionContent(_ context.Context, documentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.contents[documentID]
	return content, ok, nil
}

func (s *memoryStore) WriteSnapshot(_ context.Context, snapshot documents.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.meta[snapshot.DocumentID]
	if !ok {
		return documents.ErrNotFound
	}
	s.blobs[snapshot.DocumentID] = snapshot.State
	if snapshot.NewVersion != 0 {
		meta.Version = snapshot.NewVersion
		meta.ContentHash = snapshot.ContentHash
		meta.SidecarHash = snapshot.SidecarHash
		s.meta[snapshot.DocumentID] = meta
		s.contents[snapshot.DocumentID] = snapshot.Content
	}
	return nil
}

func (s *memoryStore) persistedText(testContext *testing.T, documentID string) string {
	testContext.Helper()
	s.mu.Lock()
	blob := s.blobs[documentID]
	s.mu.Unlock()
	doc, err := crdt.Open(blob)
	if err != nil {
		testContext.Fatalf("persisted blob is unreadable: %v", err)
	}
	return doc.Text(crdt.DefaultRoot)
}

func (s *memoryStore) version(documentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[documentID].Version
}

// recordingPersister counts notifications without ever writing.
type recordingPersister struct {
	mu      sync.Mutex
	marks   map[string]int
	flushes []persistence.Target
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{marks: map[string]int{}}
}

func (p *recordingPersister) MarkDirty(target persistence.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[target.DocumentID()]++
}

func (p *recordingPersister) FlushNow(target persistence.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes = append(p.flushes, target)
}

func (p *recordingPersister) markCount(documentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marks[documentID]
}

func (p *recordingPersister) flushed() []persistence.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persistence.Target(nil), p.flushes...)
}

func mustRegistry(testContext *testing.T, cfg RegistryConfig) *Registry {
	testContext.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		testContext.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

func mustScheduler(testContext *testing.T, store persistence.Store) *persistence.Scheduler {
	testContext.Helper()
	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{Store: store, Debounce: time.Hour, MaxDelay: time.Hour})
	if err != nil {
		testContext.Fatalf("failed to create scheduler: %v", err)
	}
	scheduler.Start()
	testContext.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = scheduler.Stop(ctx)
	})
	return scheduler
}
