// Package persistence turns in-memory document state into durable snapshots and versions.
package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"github.com/MarcoPoloResearchLab/docrelay/internal/notify"
	"go.uber.org/zap"
)

const (
	defaultDebounce      = 2 * time.Second
	defaultMaxDelay      = 15 * time.Second
	defaultRetryBase     = time.Second
	defaultRetryMax      = 60 * time.Second
	defaultAlertAfter    = 3
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultWriteTimeout  = 30 * time.Second
	defaultNotifyTimeout = 5 * time.Second
)

var (
	// ErrTargetGone is returned by Target.Capture when the target no longer holds state.
	ErrTargetGone = errors.New("persistence: target gone")

	errMissingStore = errors.New("persistence: store is required")
)

// Capture is a serialized document state taken under its owner's lock.
type Capture struct {
	DocumentID string
	State      []byte
	// Seq is the owner's edit counter at capture time.
	Seq        uint64
	UserID     string
	CapturedAt time.Time
}

// Result describes a completed snapshot.
type Result struct {
	Version int64
	Bumped  bool
}

// Target is a document whose state can be captured and which wants to hear about the outcome.
type Target interface {
	DocumentID() string
	Capture(ctx context.Context) (Capture, error)
	Persisted(capture Capture, result Result, err error)
}

// Store is the subset of the document store used for snapshots.
type Store interface {
	LoadDocMeta(ctx context.Context, documentID string) (documents.DocMeta, error)
	WriteSnapshot(ctx context.Context, snapshot documents.Snapshot) error
}

// SchedulerConfig describes the dependencies and policies of a Scheduler.
type SchedulerConfig struct {
	Store         Store
	Notifier      notify.Notifier
	Logger        *zap.Logger
	Clock         func() time.Time
	Debounce      time.Duration
	MaxDelay      time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	AlertAfter    int
	Workers       int
	QueueSize     int
	WriteTimeout  time.Duration
	NotifyTimeout time.Duration
}

type documentState struct {
	target     Target
	firstDirty time.Time
	timer      *time.Timer
	timerGen   uint64
	queued     bool
	running    bool
	rerun      bool
	backoff    bool
	failures   int
	meta       *documents.DocMeta
}

// Scheduler coalesces dirty notifications into snapshot writes. Writes for one document never
// overlap; writes for different documents run on a bounded worker pool.
type Scheduler struct {
	store         Store
	notifier      notify.Notifier
	logger        *zap.Logger
	clock         func() time.Time
	debounce      time.Duration
	maxDelay      time.Duration
	retryBase     time.Duration
	retryMax      time.Duration
	alertAfter    int
	workerCount   int
	writeTimeout  time.Duration
	notifyTimeout time.Duration

	mu       sync.Mutex
	states   map[string]*documentState
	queue    chan string
	stopping chan struct{}
	stopOnce sync.Once
	started  sync.Once
	workers  sync.WaitGroup
	notifies sync.WaitGroup
}

// NewScheduler validates the configuration and constructs a Scheduler. Call Start before use.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		logger:        logger,
		clock:         clock,
		debounce:      durationOrDefault(cfg.Debounce, defaultDebounce),
		maxDelay:      durationOrDefault(cfg.MaxDelay, defaultMaxDelay),
		retryBase:     durationOrDefault(cfg.RetryBase, defaultRetryBase),
		retryMax:      durationOrDefault(cfg.RetryMax, defaultRetryMax),
		alertAfter:    intOrDefault(cfg.AlertAfter, defaultAlertAfter),
		workerCount:   intOrDefault(cfg.Workers, defaultWorkers),
		writeTimeout:  durationOrDefault(cfg.WriteTimeout, defaultWriteTimeout),
		notifyTimeout: durationOrDefault(cfg.NotifyTimeout, defaultNotifyTimeout),
		states:        map[string]*documentState{},
		queue:         make(chan string, intOrDefault(cfg.QueueSize, defaultQueueSize)),
		stopping:      make(chan struct{}),
	}, nil
}

// Start launches the write workers.
func (s *Scheduler) Start() {
	s.started.Do(func() {
		for range s.workerCount {
			s.workers.Add(1)
			go s.work()
		}
	})
}

// Stop stops accepting work, lets queued writes finish and waits for the workers.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.mu.Lock()
	for _, state := range s.states {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.notifies.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkDirty records an edit. The first edit schedules a snapshot after the debounce; later edits
// push it back, but never past the cap measured from the first edit.
func (s *Scheduler) MarkDirty(target Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateFor(target)
	if state.backoff {
		return
	}
	now := s.clock()
	if state.timer == nil {
		state.firstDirty = now
		s.arm(target.DocumentID(), state, s.debounce)
		return
	}
	delay := min(s.debounce, s.maxDelay-now.Sub(state.firstDirty))
	s.arm(target.DocumentID(), state, max(delay, 0))
}

// FlushNow schedules an immediate snapshot regardless of debounce. A document waiting out a retry
// backoff keeps waiting.
func (s *Scheduler) FlushNow(target Target) {
	s.mu.Lock()
	state := s.stateFor(target)
	if state.backoff {
		s.mu.Unlock()
		return
	}
	s.disarm(state)
	if state.running {
		state.rerun = true
		s.mu.Unlock()
		return
	}
	if state.queued {
		s.mu.Unlock()
		return
	}
	state.queued = true
	s.mu.Unlock()
	s.enqueue(target.DocumentID())
}

// Pending returns the number of documents with scheduled, queued or running snapshots.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *Scheduler) stateFor(target Target) *documentState {
	state := s.states[target.DocumentID()]
	if state == nil {
		state = &documentState{}
		s.states[target.DocumentID()] = state
	}
	state.target = target
	return state
}

func (s *Scheduler) arm(documentID string, state *documentState, delay time.Duration) {
	s.disarm(state)
	generation := state.timerGen
	state.timer = time.AfterFunc(delay, func() { s.fire(documentID, generation) })
}

func (s *Scheduler) disarm(state *documentState) {
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.timerGen++
}

func (s *Scheduler) fire(documentID string, generation uint64) {
	s.mu.Lock()
	state := s.states[documentID]
	if state == nil || state.timerGen != generation {
		s.mu.Unlock()
		return
	}
	state.timer = nil
	state.backoff = false
	if state.running {
		state.rerun = true
		s.mu.Unlock()
		return
	}
	if state.queued {
		s.mu.Unlock()
		return
	}
	state.queued = true
	s.mu.Unlock()
	s.enqueue(documentID)
}

func (s *Scheduler) enqueue(documentID string) {
	select {
	case s.queue <- documentID:
	case <-s.stopping:
		s.logger.Warn("snapshot dropped during shutdown", zap.String("document_id", documentID))
	}
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for {
		select {
		case documentID := <-s.queue:
			s.run(documentID)
		case <-s.stopping:
			for {
				select {
				case documentID := <-s.queue:
					s.run(documentID)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) run(documentID string) {
	s.mu.Lock()
	state := s.states[documentID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	state.queued = false
	state.running = true
	target := state.target
	meta := state.meta
	s.mu.Unlock()

	capture, result, updatedMeta, err := s.snapshot(target, meta)
	if !errors.Is(err, ErrTargetGone) && capture.DocumentID != "" {
		target.Persisted(capture, result, err)
	}

	s.mu.Lock()
	state.running = false
	requeue := false
	switch {
	case errors.Is(err, ErrTargetGone), errors.Is(err, documents.ErrNotFound):
		if errors.Is(err, documents.ErrNotFound) {
			s.logger.Warn("snapshot skipped for missing document", zap.String("document_id", documentID))
		}
		if state.target == target {
			s.disarm(state)
			delete(s.states, documentID)
			break
		}
		// A successor registered while the old target was being captured.
		state.meta = nil
		if state.rerun {
			state.rerun = false
			state.queued = true
			requeue = true
		} else if state.timer == nil {
			delete(s.states, documentID)
		}
	case err != nil:
		state.failures++
		state.meta = nil
		state.rerun = false
		state.backoff = true
		delay := s.retryDelay(state.failures)
		fields := []zap.Field{
			zap.String("document_id", documentID),
			zap.Int("failures", state.failures),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		}
		if state.failures%s.alertAfter == 0 {
			s.logger.Error("snapshot alert", fields...)
		} else {
			s.logger.Warn("snapshot failed", fields...)
		}
		s.arm(documentID, state, delay)
	default:
		state.failures = 0
		state.meta = &updatedMeta
		if state.rerun {
			state.rerun = false
			state.queued = true
			requeue = true
		} else if state.timer == nil {
			delete(s.states, documentID)
		}
	}
	s.mu.Unlock()
	if requeue {
		s.enqueue(documentID)
	}
}

func (s *Scheduler) snapshot(target Target, meta *documents.DocMeta) (Capture, Result, documents.DocMeta, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	capture, err := target.Capture(ctx)
	if err != nil {
		return Capture{}, Result{}, documents.DocMeta{}, err
	}
	capture.DocumentID = target.DocumentID()

	doc, err := crdt.Open(capture.State)
	if err != nil {
		return capture, Result{}, documents.DocMeta{}, fmt.Errorf("persistence: reopen capture: %w", err)
	}
	plainText, tree := doc.Render()
	sidecar, err := json.Marshal(tree)
	if err != nil {
		return capture, Result{}, documents.DocMeta{}, fmt.Errorf("persistence: encode sidecar: %w", err)
	}

	if meta == nil {
		loaded, err := s.store.LoadDocMeta(ctx, capture.DocumentID)
		if err != nil {
			return capture, Result{}, documents.DocMeta{}, err
		}
		meta = &loaded
	}

	snapshot := documents.Snapshot{
		DocumentID:  capture.DocumentID,
		UserID:      capture.UserID,
		State:       capture.State,
		Content:     plainText,
		Sidecar:     string(sidecar),
		ContentHash: Digest([]byte(plainText)),
		SidecarHash: Digest(sidecar),
		Stats:       StatsFor(plainText),
		CapturedAt:  capture.CapturedAt,
	}
	bumped := snapshot.ContentHash != meta.ContentHash || snapshot.SidecarHash != meta.SidecarHash
	if bumped {
		snapshot.NewVersion = meta.Version + 1
	}
	if err := s.store.WriteSnapshot(ctx, snapshot); err != nil {
		return capture, Result{}, documents.DocMeta{}, err
	}

	updated := *meta
	if bumped {
		updated.Version = snapshot.NewVersion
		updated.ContentHash = snapshot.ContentHash
		updated.SidecarHash = snapshot.SidecarHash
		s.publish(notify.Event{
			DocumentID: capture.DocumentID,
			UserID:     capture.UserID,
			Version:    updated.Version,
			Timestamp:  s.clock().UTC(),
			PlainText:  plainText,
		})
	}
	s.logger.Debug("snapshot written",
		zap.String("document_id", capture.DocumentID),
		zap.Int64("version", updated.Version),
		zap.Bool("bumped", bumped),
		zap.Int("bytes", len(capture.State)))
	return capture, Result{Version: updated.Version, Bumped: bumped}, updated, nil
}

func (s *Scheduler) publish(event notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifies.Add(1)
	go func() {
		defer s.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.DocumentEdited(ctx, event); err != nil {
			s.logger.Warn("document edited notification failed",
				zap.String("document_id", event.DocumentID),
				zap.Int64("version", event.Version),
				zap.Error(err))
		}
	}()
}

func (s *Scheduler) retryDelay(failures int) time.Duration {
	delay := s.retryBase
	for range failures - 1 {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	return min(delay, s.retryMax)
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StatsFor summarizes plain text for a version row.
func StatsFor(plainText string) documents.Stats {
	if plainText == "" {
		return documents.Stats{}
	}
	return documents.Stats{
		Characters: utf8.RuneCountInString(plainText),
		Words:      len(strings.Fields(plainText)),
		Lines:      strings.Count(plainText, "\n") + 1,
	}
}

// StaticTarget persists a fixed state. It serves sessions that can no longer capture their own.
type StaticTarget struct {
	ID     string
	State  []byte
	UserID string
}

// DocumentID implements Target.
func (t StaticTarget) DocumentID() string {
	return t.ID
}

// Capture implements Target.
func (t StaticTarget) Capture(context.Context) (Capture, error) {
	return Capture{DocumentID: t.ID, State: t.State, UserID: t.UserID, CapturedAt: time.Now()}, nil
}

// Persisted implements Target.
func (t StaticTarget) Persisted(Capture, Result, error) {}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
