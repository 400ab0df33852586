package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"github.com/MarcoPoloResearchLab/docrelay/internal/persistence"
	"go.uber.org/zap"
)

var errSessionPanic = errors.New("relay: session failed")

// Persister receives dirty notifications from sessions.
type Persister interface {
	MarkDirty(target persistence.Target)
	FlushNow(target persistence.Target)
}

type inboundKind int

const (
	inboundJoin inboundKind = iota
	inboundLeave
	inboundFrame
	inboundCapture
	inboundPersisted
	inboundShutdown
)

type inbound struct {
	kind  inboundKind
	conn  *Connection
	frame Frame

	joined       chan struct{}
	captureReply chan persistence.Capture

	capture persistence.Capture
	result  persistence.Result
	err     error
}

// Session is the live state of one document. Everything it owns is touched only by its actor
// goroutine; other goroutines talk to it through the inbox.
type Session struct {
	documentID       string
	registry         *Registry
	persister        Persister
	logger           *zap.Logger
	clock            func() time.Time
	presenceTick     time.Duration
	awarenessTimeout time.Duration

	inbox chan inbound
	done  chan struct{}

	doc           *crdt.Doc
	peers         map[*Connection]struct{}
	awareness     *awarenessMap
	dirty         bool
	dirtySince    time.Time
	editSeq       uint64
	lastEditor    string
	lastPersisted time.Time
	lastGood      []byte
	retired       bool
}

func newSession(registry *Registry, documentID string, doc *crdt.Doc) *Session {
	return &Session{
		documentID:       documentID,
		registry:         registry,
		persister:        registry.persister,
		logger:           registry.logger.With(zap.String("document_id", documentID)),
		clock:            registry.clock,
		presenceTick:     registry.presenceTick,
		awarenessTimeout: registry.awarenessTimeout,
		inbox:            make(chan inbound, registry.inboxSize),
		done:             make(chan struct{}),
		doc:              doc,
		peers:            map[*Connection]struct{}{},
		awareness:        newAwarenessMap(),
	}
}

// DocumentID implements persistence.Target.
func (s *Session) DocumentID() string {
	return s.documentID
}

// Capture implements persistence.Target by serializing the document on the actor.
func (s *Session) Capture(ctx context.Context) (persistence.Capture, error) {
	reply := make(chan persistence.Capture, 1)
	if err := s.send(ctx, inbound{kind: inboundCapture, captureReply: reply}); err != nil {
		return persistence.Capture{}, err
	}
	select {
	case capture := <-reply:
		return capture, nil
	case <-s.done:
		return persistence.Capture{}, persistence.ErrTargetGone
	case <-ctx.Done():
		return persistence.Capture{}, ctx.Err()
	}
}

// Persisted implements persistence.Target.
func (s *Session) Persisted(capture persistence.Capture, result persistence.Result, err error) {
	_ = s.send(context.Background(), inbound{kind: inboundPersisted, capture: capture, result: result, err: err})
}

func (s *Session) send(ctx context.Context, message inbound) error {
	select {
	case s.inbox <- message:
		return nil
	case <-s.done:
		return persistence.ErrTargetGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join adds conn to the peer set. It fails with ErrSessionClosed when the session retired first.
func (s *Session) join(ctx context.Context, conn *Connection) error {
	joined := make(chan struct{})
	select {
	case s.inbox <- inbound{kind: inboundJoin, conn: conn, joined: joined}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-joined:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) leave(conn *Connection) {
	select {
	case s.inbox <- inbound{kind: inboundLeave, conn: conn}:
	case <-s.done:
	}
}

func (s *Session) deliver(ctx context.Context, conn *Connection, frame Frame) error {
	select {
	case s.inbox <- inbound{kind: inboundFrame, conn: conn, frame: frame}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-conn.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) shutdown() {
	select {
	case s.inbox <- inbound{kind: inboundShutdown}:
	case <-s.done:
	}
}

func (s *Session) run() {
	ticker := time.NewTicker(s.presenceTick)
	defer ticker.Stop()
	defer s.recoverPanic()
	for !s.retired {
		select {
		case message := <-s.inbox:
			s.handle(message)
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) handle(message inbound) {
	switch message.kind {
	case inboundJoin:
		s.peers[message.conn] = struct{}{}
		close(message.joined)
		if live := s.awareness.snapshot(); len(live) > 0 {
			message.conn.enqueue(EncodeFrame(MessageAwareness, EncodeAwareness(live)))
		}
		s.logger.Debug("peer joined", zap.String("connection_id", message.conn.ID()), zap.Int("peers", len(s.peers)))
	case inboundLeave:
		s.handleLeave(message.conn)
	case inboundFrame:
		if _, ok := s.peers[message.conn]; !ok {
			return
		}
		s.handleFrame(message.conn, message.frame)
	case inboundCapture:
		state := s.doc.EncodeFullState()
		s.lastGood = state
		message.captureReply <- persistence.Capture{
			DocumentID: s.documentID,
			State:      state,
			Seq:        s.editSeq,
			UserID:     s.lastEditor,
			CapturedAt: s.clock(),
		}
	case inboundPersisted:
		s.handlePersisted(message.capture, message.result, message.err)
	case inboundShutdown:
		for peer := range s.peers {
			peer.Close(ErrShuttingDown)
		}
		s.maybeRetire()
	}
}

func (s *Session) handleFrame(conn *Connection, frame Frame) {
	switch frame.Type {
	case MessageSyncStep1:
		diff, err := s.doc.DiffSince(frame.Payload)
		if err != nil {
			conn.Close(err)
			return
		}
		if conn.enqueue(EncodeFrame(MessageSyncStep2, diff)) {
			conn.enqueue(EncodeFrame(MessageSyncStep1, s.doc.StateVector()))
		}
	case MessageSyncStep2, MessageUpdate:
		if !conn.grant.Permission.CanEdit() {
			conn.logger.Warn("permission violation",
				zap.Bool("audit", true),
				zap.String("document_id", s.documentID),
				zap.String("message_type", frame.Type.String()),
				zap.Int("bytes", len(frame.Payload)))
			return
		}
		novel, err := s.doc.ApplyUpdate(frame.Payload)
		if err != nil {
			conn.Close(err)
			return
		}
		if len(novel) == 0 {
			return
		}
		s.editSeq++
		s.lastEditor = conn.grant.SubjectID
		if !s.dirty {
			s.dirty = true
			s.dirtySince = s.clock()
		}
		s.broadcast(conn, EncodeFrame(MessageUpdate, novel))
		s.persister.MarkDirty(s)
	case MessageAwareness:
		changes, err := DecodeAwareness(frame.Payload)
		if err != nil {
			conn.Close(err)
			return
		}
		if accepted := s.awareness.apply(conn, changes, s.clock()); len(accepted) > 0 {
			s.broadcast(conn, EncodeFrame(MessageAwareness, EncodeAwareness(accepted)))
		}
	}
}

func (s *Session) handleLeave(conn *Connection) {
	if _, ok := s.peers[conn]; !ok {
		return
	}
	delete(s.peers, conn)
	if cleared := s.awareness.removeOwner(conn); len(cleared) > 0 {
		s.broadcast(nil, EncodeFrame(MessageAwareness, EncodeAwareness(cleared)))
	}
	s.logger.Debug("peer left", zap.String("connection_id", conn.ID()), zap.Int("peers", len(s.peers)))
	if len(s.peers) == 0 && s.dirty {
		s.persister.FlushNow(s)
	}
	s.maybeRetire()
}

func (s *Session) handlePersisted(capture persistence.Capture, result persistence.Result, err error) {
	switch {
	case err == nil:
		s.lastPersisted = capture.CapturedAt
		if capture.Seq == s.editSeq {
			s.dirty = false
		} else if len(s.peers) == 0 {
			s.persister.FlushNow(s)
		}
		if result.Bumped {
			s.logger.Info("document version advanced", zap.Int64("version", result.Version))
		}
	case errors.Is(err, documents.ErrNotFound):
		s.logger.Warn("document removed while live", zap.Error(err))
		s.dirty = false
		for peer := range s.peers {
			peer.Close(ErrDocumentNotFound)
		}
	}
	s.maybeRetire()
}

func (s *Session) tick() {
	if cleared := s.awareness.expire(s.clock(), s.awarenessTimeout); len(cleared) > 0 {
		s.broadcast(nil, EncodeFrame(MessageAwareness, EncodeAwareness(cleared)))
	}
	s.maybeRetire()
}

// broadcast queues frame on every peer except origin.
func (s *Session) broadcast(origin *Connection, frame []byte) {
	for peer := range s.peers {
		if peer == origin {
			continue
		}
		peer.enqueue(frame)
	}
}

// maybeRetire unmaps the session once it has no peers and nothing left to persist.
func (s *Session) maybeRetire() {
	if s.retired || len(s.peers) > 0 || s.dirty {
		return
	}
	s.retire()
}

func (s *Session) retire() {
	s.retired = true
	s.registry.remove(s)
	close(s.done)
	s.logger.Debug("session retired", zap.Time("last_persisted", s.lastPersisted))
}

func (s *Session) recoverPanic() {
	recovered := recover()
	if recovered == nil {
		return
	}
	s.logger.Error("session failed",
		zap.Any("panic", recovered),
		zap.Time("dirty_since", s.dirtySince),
		zap.Stack("stack"))
	if state := s.salvageState(); s.dirty && state != nil {
		s.persister.FlushNow(persistence.StaticTarget{ID: s.documentID, State: state, UserID: s.lastEditor})
	}
	for peer := range s.peers {
		peer.Close(fmt.Errorf("%w: %v", errSessionPanic, recovered))
	}
	if !s.retired {
		s.retire()
	}
}

// salvageState encodes the current document, falling back to the last captured state when the
// document itself can no longer be encoded.
func (s *Session) salvageState() (state []byte) {
	defer func() {
		if recover() != nil {
			state = s.lastGood
		}
	}()
	return s.doc.EncodeFullState()
}
