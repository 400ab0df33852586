package relay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

var awarenessNull = json.RawMessage("null")

// AwarenessChange is one entry of an awareness delta: a client's state at a clock, where a null
// state clears the client.
type AwarenessChange struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

func (c AwarenessChange) cleared() bool {
	return len(c.State) == 0 || bytes.Equal(bytes.TrimSpace(c.State), awarenessNull)
}

// DecodeAwareness parses a delta: varuint count, then per entry varuint client id, varuint clock
// and a varuint-length JSON string.
func DecodeAwareness(payload []byte) ([]AwarenessChange, error) {
	count, offset, err := readAwarenessUvarint(payload, 0)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)-offset) {
		return nil, fmt.Errorf("%w: awareness count %d", ErrMalformedFrame, count)
	}
	changes := make([]AwarenessChange, 0, count)
	for range count {
		var change AwarenessChange
		if change.ClientID, offset, err = readAwarenessUvarint(payload, offset); err != nil {
			return nil, err
		}
		if change.Clock, offset, err = readAwarenessUvarint(payload, offset); err != nil {
			return nil, err
		}
		length, next, err := readAwarenessUvarint(payload, offset)
		if err != nil {
			return nil, err
		}
		if length > uint64(len(payload)-next) {
			return nil, fmt.Errorf("%w: awareness state truncated", ErrMalformedFrame)
		}
		state := payload[next : next+int(length)]
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: awareness state is not json", ErrMalformedFrame)
		}
		change.State = append(json.RawMessage(nil), state...)
		offset = next + int(length)
		changes = append(changes, change)
	}
	if offset != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing awareness bytes", ErrMalformedFrame, len(payload)-offset)
	}
	return changes, nil
}

// EncodeAwareness is the inverse of DecodeAwareness.
func EncodeAwareness(changes []AwarenessChange) []byte {
	encoded := binary.AppendUvarint(nil, uint64(len(changes)))
	for _, change := range changes {
		state := change.State
		if change.cleared() {
			state = awarenessNull
		}
		encoded = binary.AppendUvarint(encoded, change.ClientID)
		encoded = binary.AppendUvarint(encoded, change.Clock)
		encoded = binary.AppendUvarint(encoded, uint64(len(state)))
		encoded = append(encoded, state...)
	}
	return encoded
}

func readAwarenessUvarint(payload []byte, offset int) (uint64, int, error) {
	value, size := binary.Uvarint(payload[offset:])
	if size <= 0 {
		return 0, offset, fmt.Errorf("%w: awareness varint at %d", ErrMalformedFrame, offset)
	}
	return value, offset + size, nil
}

type awarenessEntry struct {
	clock    uint64
	state    json.RawMessage
	owner    *Connection
	lastSeen time.Time
}

// awarenessMap is the presence state of one session. It is owned by the session actor.
type awarenessMap struct {
	entries map[uint64]*awarenessEntry
}

func newAwarenessMap() *awarenessMap {
	return &awarenessMap{entries: map[uint64]*awarenessEntry{}}
}

// apply merges changes sent by owner and returns the ones that altered the map. A change wins when
// its clock is newer, or when it clears a live entry at the same clock. Entries held by another
// live connection are left alone.
func (m *awarenessMap) apply(owner *Connection, changes []AwarenessChange, now time.Time) []AwarenessChange {
	var accepted []AwarenessChange
	for _, change := range changes {
		entry := m.entries[change.ClientID]
		if entry != nil && entry.state != nil && entry.owner != nil && entry.owner != owner {
			continue
		}
		cleared := change.cleared()
		if entry != nil {
			if change.Clock < entry.clock {
				continue
			}
			if change.Clock == entry.clock && !(cleared && entry.state != nil) {
				if entry.owner == owner {
					entry.lastSeen = now
				}
				continue
			}
		}
		if entry == nil {
			entry = &awarenessEntry{}
			m.entries[change.ClientID] = entry
		}
		entry.clock = change.Clock
		entry.owner = owner
		entry.lastSeen = now
		if cleared {
			entry.state = nil
			accepted = append(accepted, AwarenessChange{ClientID: change.ClientID, Clock: change.Clock, State: awarenessNull})
			continue
		}
		entry.state = change.State
		accepted = append(accepted, AwarenessChange{ClientID: change.ClientID, Clock: change.Clock, State: change.State})
	}
	return accepted
}

// removeOwner clears every live entry published by owner.
func (m *awarenessMap) removeOwner(owner *Connection) []AwarenessChange {
	var cleared []AwarenessChange
	for _, clientID := range m.sortedClientIDs() {
		entry := m.entries[clientID]
		if entry.owner != owner {
			continue
		}
		entry.owner = nil
		if entry.state == nil {
			continue
		}
		entry.clock++
		entry.state = nil
		cleared = append(cleared, AwarenessChange{ClientID: clientID, Clock: entry.clock, State: awarenessNull})
	}
	return cleared
}

// expire clears live entries not refreshed within timeout and forgets tombstones older than three
// timeouts.
func (m *awarenessMap) expire(now time.Time, timeout time.Duration) []AwarenessChange {
	var cleared []AwarenessChange
	for _, clientID := range m.sortedClientIDs() {
		entry := m.entries[clientID]
		idle := now.Sub(entry.lastSeen)
		if entry.state == nil {
			if idle > 3*timeout {
				delete(m.entries, clientID)
			}
			continue
		}
		if idle <= timeout {
			continue
		}
		entry.clock++
		entry.state = nil
		entry.lastSeen = now
		cleared = append(cleared, AwarenessChange{ClientID: clientID, Clock: entry.clock, State: awarenessNull})
	}
	return cleared
}

// snapshot returns every live entry, for a peer that just joined.
func (m *awarenessMap) snapshot() []AwarenessChange {
	var live []AwarenessChange
	for _, clientID := range m.sortedClientIDs() {
		entry := m.entries[clientID]
		if entry.state == nil {
			continue
		}
		live = append(live, AwarenessChange{ClientID: clientID, Clock: entry.clock, State: entry.state})
	}
	return live
}

func (m *awarenessMap) sortedClientIDs() []uint64 {
	clientIDs := make([]uint64, 0, len(m.entries))
	for clientID := range m.entries {
		clientIDs = append(clientIDs, clientID)
	}
	slices.Sort(clientIDs)
	return clientIDs
}
