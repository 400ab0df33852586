// Package crdt implements a YATA sequence CRDT for collaborative plain text.
//
// Every character is an item identified by the client that created it and that client's logical
// clock. Items remember the neighbours they were inserted between, which lets concurrent inserts
// at the same position be ordered identically on every replica. Deletion only tombstones items,
// so any set of updates converges regardless of delivery order or duplication.
package crdt

import (
	"errors"
	"fmt"
)

// DefaultRoot names the sequence holding the document body.
const DefaultRoot = "default"

var (
	// ErrIndexOutOfRange indicates that a local edit addressed a position past the end of the text.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrReadOnlyReplica indicates that a local edit was attempted on a replica without a client id.
	ErrReadOnlyReplica = errors.New("crdt: replica has no client id")
)

// ID identifies one item.
type ID struct {
	Client uint64
	Clock  uint64
}

type item struct {
	id          ID
	originLeft  *ID
	originRight *ID
	root        string
	content     rune
	deleted     bool
	left        *item
	right       *item
}

type sequence struct {
	start *item
}

// Doc is a replica. It is not safe for concurrent use.
type Doc struct {
	clientID       uint64
	roots          map[string]*sequence
	clients        map[uint64][]*item
	pending        map[ID]*item
	waiting        map[ID][]*item
	pendingDeletes deleteSet
}

// NewDoc returns an empty replica. A zero clientID yields a replica that can merge updates but
// cannot originate edits.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID:       clientID,
		roots:          map[string]*sequence{},
		clients:        map[uint64][]*item{},
		pending:        map[ID]*item{},
		waiting:        map[ID][]*item{},
		pendingDeletes: deleteSet{},
	}
}

// Open reconstructs a replica from an encoded full state. An empty blob yields an empty replica.
func Open(blob []byte) (*Doc, error) {
	doc := NewDoc(0)
	if len(blob) == 0 {
		return doc, nil
	}
	if _, err := doc.ApplyUpdate(blob); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromText builds a replica whose default root holds text, authored by clientID.
func FromText(clientID uint64, text string) (*Doc, error) {
	doc := NewDoc(clientID)
	if text == "" {
		return doc, nil
	}
	if _, err := doc.Insert(DefaultRoot, 0, text); err != nil {
		return nil, err
	}
	return doc, nil
}

// ClientID returns the id used for locally originated edits.
func (doc *Doc) ClientID() uint64 {
	return doc.clientID
}

// ApplyUpdate merges an encoded update and returns the portion that was new to this replica,
// re-encoded. The result is empty when the update carried nothing new. Duplicate and out-of-order
// delivery are tolerated: items whose dependencies are missing wait until they arrive.
func (doc *Doc) ApplyUpdate(payload []byte) ([]byte, error) {
	decoded, err := decodeUpdate(payload)
	if err != nil {
		return nil, err
	}

	var staged []*item
	for _, block := range decoded.runs {
		for offset, character := range block.text {
			id := ID{Client: block.client, Clock: block.clock + uint64(offset)}
			if doc.has(id) {
				continue
			}
			if _, queued := doc.pending[id]; queued {
				continue
			}
			element := &item{id: id, content: character, originRight: block.originRight}
			if offset == 0 {
				element.originLeft = block.originLeft
				element.root = block.root
			} else {
				element.originLeft = &ID{Client: id.Client, Clock: id.Clock - 1}
			}
			doc.pending[id] = element
			staged = append(staged, element)
		}
	}
	sortItems(staged)
	integrated := doc.drain(staged)

	doc.pendingDeletes.merge(decoded.deletes)
	deleted := doc.applyPendingDeletes()

	if len(integrated) == 0 && deleted.empty() {
		return nil, nil
	}
	sortItems(integrated)
	return encodeUpdate(runsFromItems(integrated), deleted), nil
}

// StateVector encodes the next expected clock for every known client.
func (doc *Doc) StateVector() []byte {
	return encodeStateVector(doc.vector())
}

// DiffSince encodes everything this replica holds that a replica with the given state vector lacks.
// Tombstones are always included in full. An empty state vector yields the full state.
func (doc *Doc) DiffSince(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	var items []*item
	for client, elements := range doc.clients {
		from := remote[client]
		if from < uint64(len(elements)) {
			items = append(items, elements[from:]...)
		}
	}
	for _, element := range doc.pending {
		items = append(items, element)
	}
	sortItems(items)

	deletes := doc.collectDeletes()
	deletes.merge(doc.pendingDeletes)
	return encodeUpdate(runsFromItems(items), deletes), nil
}

// EncodeFullState encodes the whole replica, including updates still waiting on dependencies.
func (doc *Doc) EncodeFullState() []byte {
	encoded, err := doc.DiffSince(nil)
	if err != nil {
		panic(fmt.Sprintf("crdt: encoding full state: %v", err))
	}
	return encoded
}

// Pending reports whether any received items or deletions are still waiting on missing items.
func (doc *Doc) Pending() bool {
	return len(doc.pending) > 0 || !doc.pendingDeletes.empty()
}

// Text returns the visible characters of the named root.
func (doc *Doc) Text(root string) string {
	seq := doc.roots[root]
	if seq == nil {
		return ""
	}
	var runes []rune
	for element := seq.start; element != nil; element = element.right {
		if !element.deleted {
			runes = append(runes, element.content)
		}
	}
	return string(runes)
}

// Insert adds text at the given visible index of root and returns the encoded update.
func (doc *Doc) Insert(root string, index int, text string) ([]byte, error) {
	if doc.clientID == 0 {
		return nil, ErrReadOnlyReplica
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	seq := doc.sequence(root)
	var left *item
	if index > 0 {
		visible := 0
		for element := seq.start; element != nil; element = element.right {
			if element.deleted {
				continue
			}
			visible++
			if visible == index {
				left = element
				break
			}
		}
		if left == nil {
			return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
		}
	}
	right := seq.start
	if left != nil {
		right = left.right
	}

	var created []*item
	for _, character := range text {
		element := &item{
			id:      ID{Client: doc.clientID, Clock: doc.clock(doc.clientID)},
			root:    root,
			content: character,
		}
		if left != nil {
			leftID := left.id
			element.originLeft = &leftID
		}
		if right != nil {
			rightID := right.id
			element.originRight = &rightID
		}
		doc.integrate(element)
		created = append(created, element)
		left = element
	}
	if len(created) == 0 {
		return nil, nil
	}
	return encodeUpdate(runsFromItems(created), nil), nil
}

// Delete tombstones length visible characters of root starting at index and returns the encoded update.
func (doc *Doc) Delete(root string, index, length int) ([]byte, error) {
	if index < 0 || length < 0 {
		return nil, fmt.Errorf("%w: %d+%d", ErrIndexOutOfRange, index, length)
	}
	seq := doc.sequence(root)
	deleted := deleteSet{}
	visible := 0
	removed := 0
	for element := seq.start; element != nil && removed < length; element = element.right {
		if element.deleted {
			continue
		}
		if visible >= index {
			element.deleted = true
			deleted.add(element.id.Client, element.id.Clock, 1)
			removed++
		}
		visible++
	}
	if removed < length {
		return nil, fmt.Errorf("%w: %d+%d", ErrIndexOutOfRange, index, length)
	}
	if deleted.empty() {
		return nil, nil
	}
	deleted.normalize()
	return encodeUpdate(nil, deleted), nil
}

func (doc *Doc) vector() map[uint64]uint64 {
	vector := make(map[uint64]uint64, len(doc.clients))
	for client, elements := range doc.clients {
		vector[client] = uint64(len(elements))
	}
	return vector
}

func (doc *Doc) clock(client uint64) uint64 {
	return uint64(len(doc.clients[client]))
}

func (doc *Doc) has(id ID) bool {
	return id.Clock < doc.clock(id.Client)
}

func (doc *Doc) get(id ID) *item {
	if !doc.has(id) {
		return nil
	}
	return doc.clients[id.Client][id.Clock]
}

func (doc *Doc) sequence(root string) *sequence {
	seq := doc.roots[root]
	if seq == nil {
		seq = &sequence{}
		doc.roots[root] = seq
	}
	return seq
}

// missingDependency returns the first item that must be integrated before element can be.
func (doc *Doc) missingDependency(element *item) (ID, bool) {
	if element.id.Clock > 0 {
		previous := ID{Client: element.id.Client, Clock: element.id.Clock - 1}
		if !doc.has(previous) {
			return previous, true
		}
	}
	if element.originLeft != nil && !doc.has(*element.originLeft) {
		return *element.originLeft, true
	}
	if element.originRight != nil && !doc.has(*element.originRight) {
		return *element.originRight, true
	}
	return ID{}, false
}

// drain integrates queued items whose dependencies are satisfied and parks the rest until the item
// they wait on arrives.
func (doc *Doc) drain(queue []*item) []*item {
	var integrated []*item
	for len(queue) > 0 {
		element := queue[0]
		queue = queue[1:]
		if doc.has(element.id) {
			continue
		}
		if missing, blocked := doc.missingDependency(element); blocked {
			doc.waiting[missing] = append(doc.waiting[missing], element)
			continue
		}
		delete(doc.pending, element.id)
		doc.integrate(element)
		integrated = append(integrated, element)
		if woken, ok := doc.waiting[element.id]; ok {
			delete(doc.waiting, element.id)
			queue = append(queue, woken...)
		}
	}
	return integrated
}

// integrate links element into its sequence. Concurrent inserts between the same origins are
// ordered by the YATA rules so that every replica picks the same position.
func (doc *Doc) integrate(element *item) {
	var left, right *item
	if element.originLeft != nil {
		left = doc.get(*element.originLeft)
		element.root = left.root
	}
	if element.originRight != nil {
		right = doc.get(*element.originRight)
		if left == nil {
			element.root = right.root
		}
	}
	seq := doc.sequence(element.root)

	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		candidate := seq.start
		if left != nil {
			candidate = left.right
		}
		conflicting := map[*item]struct{}{}
		beforeOrigin := map[*item]struct{}{}
		for candidate != nil && candidate != right {
			beforeOrigin[candidate] = struct{}{}
			conflicting[candidate] = struct{}{}
			if sameRef(element.originLeft, candidate.originLeft) {
				if candidate.id.Client < element.id.Client {
					left = candidate
					clear(conflicting)
				} else if sameRef(element.originRight, candidate.originRight) {
					break
				}
			} else if candidate.originLeft != nil {
				candidateOrigin := doc.get(*candidate.originLeft)
				if _, seen := beforeOrigin[candidateOrigin]; !seen || candidateOrigin == nil {
					break
				}
				if _, open := conflicting[candidateOrigin]; !open {
					left = candidate
					clear(conflicting)
				}
			} else {
				break
			}
			candidate = candidate.right
		}
	}

	if left != nil {
		element.left = left
		element.right = left.right
		left.right = element
	} else {
		element.left = nil
		element.right = seq.start
		seq.start = element
	}
	if element.right != nil {
		element.right.left = element
	}
	doc.clients[element.id.Client] = append(doc.clients[element.id.Client], element)
}

// applyPendingDeletes tombstones every pending deletion whose target is known and returns the
// ranges that actually changed state. Ranges past the known clock stay pending.
func (doc *Doc) applyPendingDeletes() deleteSet {
	changed := deleteSet{}
	for client, ranges := range doc.pendingDeletes {
		known := doc.clock(client)
		var remaining []clockRange
		for _, r := range ranges {
			applyEnd := min(r.end(), known)
			for clock := r.clock; clock < applyEnd; clock++ {
				element := doc.clients[client][clock]
				if !element.deleted {
					element.deleted = true
					changed.add(client, clock, 1)
				}
			}
			if r.end() > known {
				start := max(r.clock, known)
				remaining = append(remaining, clockRange{clock: start, length: r.end() - start})
			}
		}
		if len(remaining) == 0 {
			delete(doc.pendingDeletes, client)
		} else {
			doc.pendingDeletes[client] = remaining
		}
	}
	changed.normalize()
	return changed
}

func (doc *Doc) collectDeletes() deleteSet {
	deletes := deleteSet{}
	for client, elements := range doc.clients {
		for _, element := range elements {
			if element.deleted {
				deletes.add(client, element.id.Clock, 1)
			}
		}
	}
	return deletes
}
