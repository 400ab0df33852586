// Package relay hosts live document sessions and the peers connected to them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLoadTimeout      = 10 * time.Second
	defaultPresenceTick     = time.Second
	defaultAwarenessTimeout = 30 * time.Second
	defaultInboxSize        = 256
	maxJoinAttempts         = 3
)

var (
	errMissingStore     = errors.New("relay: document store is required")
	errMissingPersister = errors.New("relay: persister is required")
)

// DocumentStore is the subset of the document store read when a session is created.
type DocumentStore interface {
	LoadDocMeta(ctx context.Context, documentID string) (documents.DocMeta, error)
	LoadCrdtBlob(ctx context.Context, documentID string) ([]byte, error)
	LatestVersionContent(ctx context.Context, documentID string) (string, bool, error)
}

// RegistryConfig describes the dependencies and policies of a Registry.
type RegistryConfig struct {
	Store            DocumentStore
	Persister        Persister
	Logger           *zap.Logger
	Clock            func() time.Time
	LoadTimeout      time.Duration
	PresenceTick     time.Duration
	AwarenessTimeout time.Duration
	InboxSize        int
}

// Registry maps document ids to their live Session. At most one Session exists per document.
type Registry struct {
	store            DocumentStore
	persister        Persister
	logger           *zap.Logger
	clock            func() time.Time
	loadTimeout      time.Duration
	presenceTick     time.Duration
	awarenessTimeout time.Duration
	inboxSize        int

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	running  sync.WaitGroup
	loads    singleflight.Group
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:            cfg.Store,
		persister:        cfg.Persister,
		logger:           logger,
		clock:            clock,
		loadTimeout:      durationOrDefault(cfg.LoadTimeout, defaultLoadTimeout),
		presenceTick:     durationOrDefault(cfg.PresenceTick, defaultPresenceTick),
		awarenessTimeout: durationOrDefault(cfg.AwarenessTimeout, defaultAwarenessTimeout),
		inboxSize:        intOrDefault(cfg.InboxSize, defaultInboxSize),
		sessions:         map[string]*Session{},
	}, nil
}

// Acquire returns the live session for documentID, loading it when needed. Concurrent callers share
// one load, and a session is mapped only after its document opened successfully.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Session, error) {
	if session, err := r.lookup(documentID); session != nil || err != nil {
		return session, err
	}
	results := r.loads.DoChan(documentID, func() (any, error) {
		if session, err := r.lookup(documentID); session != nil || err != nil {
			return session, err
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		doc, resurrected, err := r.load(loadCtx, documentID)
		if err != nil {
			return nil, err
		}
		session := newSession(r, documentID, doc)
		r.mu.Lock()
		if r.closing {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}
		r.sessions[documentID] = session
		r.running.Add(1)
		r.mu.Unlock()
		if resurrected {
			session.dirty = true
			session.dirtySince = r.clock()
		}
		go session.run()
		if resurrected {
			r.persister.MarkDirty(session)
		}
		return session, nil
	})
	select {
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) lookup(documentID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrShuttingDown
	}
	return r.sessions[documentID], nil
}

// load opens the persisted state of documentID. A document whose blob was collected is rebuilt
// from its latest version content.
func (r *Registry) load(ctx context.Context, documentID string) (*crdt.Doc, bool, error) {
	if _, err := r.store.LoadDocMeta(ctx, documentID); err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return nil, false, err
	}
	blob, err := r.store.LoadCrdtBlob(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	if blob != nil {
		doc, err := crdt.Open(blob)
		if err != nil {
			r.logger.Error("persisted state is unreadable", zap.String("document_id", documentID), zap.Error(err))
			return nil, false, fmt.Errorf("relay: open %s: %w", documentID, err)
		}
		return doc, false, nil
	}
	content, found, err := r.store.LatestVersionContent(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	if !found || content == "" {
		return crdt.NewDoc(0), false, nil
	}
	doc, err := crdt.FromText(resurrectionClientID(), content)
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("document resurrected from latest version", zap.String("document_id", documentID))
	return doc, true, nil
}

// resurrectionClientID picks an author id for rebuilt content outside the 32-bit range browser
// clients draw from.
func resurrectionClientID() uint64 {
	return 1<<32 + rand.Uint64N(1<<40)
}

// Serve joins conn to the session of documentID and pumps its frames until it closes.
func (r *Registry) Serve(ctx context.Context, documentID string, conn *Connection) error {
	var session *Session
	for attempt := 1; session == nil; attempt++ {
		candidate, err := r.Acquire(ctx, documentID)
		if err == nil {
			err = candidate.join(ctx, conn)
		}
		switch {
		case err == nil:
			session = candidate
		case errors.Is(err, ErrSessionClosed) && attempt < maxJoinAttempts:
			continue
		default:
			if !errors.Is(err, ErrDocumentNotFound) && !errors.Is(err, ErrShuttingDown) {
				r.logger.Error("session acquire failed", zap.String("document_id", documentID), zap.Error(err))
			}
			conn.Close(err)
			return err
		}
	}
	conn.session = session
	conn.run(ctx)
	r.Release(documentID, conn)
	return conn.Err()
}

// Release removes conn from its session. The session flushes and retires once its last peer left.
func (r *Registry) Release(documentID string, conn *Connection) {
	session := conn.session
	if session == nil || session.documentID != documentID {
		return
	}
	session.leave(conn)
}

func (r *Registry) remove(session *Session) {
	r.mu.Lock()
	if r.sessions[session.documentID] == session {
		delete(r.sessions, session.documentID)
	}
	r.mu.Unlock()
	r.running.Done()
}

// IsLive reports whether documentID has a session on this node.
func (r *Registry) IsLive(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[documentID]
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops accepting peers, closes every connection as going away and waits for each session
// to flush and retire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.shutdown()
	}
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		remaining := len(r.sessions)
		r.mu.Unlock()
		r.logger.Error("sessions still live at shutdown", zap.Int("sessions", remaining))
		return ctx.Err()
	}
}
