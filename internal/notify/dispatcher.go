package notify

import (
	"context"
	"sync"
)

const listenerBuffer = 16

// Dispatcher fans document-edited events out to in-process listeners grouped by document. A
// listener that falls behind loses its oldest pending events, so the latest version always lands.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string]map[*listener]struct{}
}

type listener struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewDispatcher constructs a Dispatcher with no listeners.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: map[string]map[*listener]struct{}{}}
}

// Subscribe returns the event stream of documentID. The stream is closed once ctx ends or the
// returned cancel func runs. An empty documentID yields an already closed stream.
func (d *Dispatcher) Subscribe(ctx context.Context, documentID string) (<-chan Event, func()) {
	if documentID == "" {
		events := make(chan Event)
		close(events)
		return events, func() {}
	}
	entry := &listener{events: make(chan Event, listenerBuffer)}
	d.mu.Lock()
	group := d.listeners[documentID]
	if group == nil {
		group = map[*listener]struct{}{}
		d.listeners[documentID] = group
	}
	group[entry] = struct{}{}
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { d.remove(documentID, entry) })
	return entry.events, func() {
		stop()
		d.remove(documentID, entry)
	}
}

// DocumentEdited hands the event to every listener of its document without blocking.
func (d *Dispatcher) DocumentEdited(_ context.Context, event Event) error {
	d.mu.RLock()
	group := d.listeners[event.DocumentID]
	targets := make([]*listener, 0, len(group))
	for entry := range group {
		targets = append(targets, entry)
	}
	d.mu.RUnlock()
	for _, entry := range targets {
		entry.offer(event)
	}
	return nil
}

func (d *Dispatcher) remove(documentID string, entry *listener) {
	d.mu.Lock()
	group := d.listeners[documentID]
	_, found := group[entry]
	if found {
		delete(group, entry)
		if len(group) == 0 {
			delete(d.listeners, documentID)
		}
	}
	d.mu.Unlock()
	if found {
		entry.close()
	}
}

func (l *listener) offer(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
		return
	default:
	}
	select {
	case <-l.events:
	default:
	}
	select {
	case l.events <- event:
	default:
	}
}

func (l *listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}
