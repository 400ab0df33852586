package crdt

import (
	"slices"
	"sort"
)

type clockRange struct {
	clock  uint64
	length uint64
}

func (r clockRange) end() uint64 {
	return r.clock + r.length
}

// deleteSet records tombstoned clocks per client as sorted, non-overlapping ranges.
type deleteSet map[uint64][]clockRange

func (set deleteSet) add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	ranges := set[client]
	if count := len(ranges); count > 0 && ranges[count-1].end() == clock {
		ranges[count-1].length += length
		return
	}
	set[client] = append(ranges, clockRange{clock: clock, length: length})
}

func (set deleteSet) merge(other deleteSet) {
	for client, ranges := range other {
		set[client] = append(set[client], ranges...)
	}
	set.normalize()
}

func (set deleteSet) normalize() {
	for client, ranges := range set {
		if len(ranges) == 0 {
			delete(set, client)
			continue
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].clock < ranges[j].clock })
		merged := ranges[:1]
		for _, next := range ranges[1:] {
			last := &merged[len(merged)-1]
			if next.clock <= last.end() {
				if next.end() > last.end() {
					last.length = next.end() - last.clock
				}
				continue
			}
			merged = append(merged, next)
		}
		set[client] = merged
	}
}

func (set deleteSet) empty() bool {
	return len(set) == 0
}

func (set deleteSet) sortedClients() []uint64 {
	clients := make([]uint64, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

func (set deleteSet) encode(enc *encoder) {
	clients := set.sortedClients()
	enc.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		ranges := set[client]
		enc.writeUvarint(client)
		enc.writeUvarint(uint64(len(ranges)))
		for _, r := range ranges {
			enc.writeUvarint(r.clock)
			enc.writeUvarint(r.length)
		}
	}
}

func decodeDeleteSet(dec *decoder) (deleteSet, error) {
	set := deleteSet{}
	clientCount, err := dec.readCount()
	if err != nil {
		return nil, err
	}
	for range clientCount {
		client, err := dec.readUvarint()
		if err != nil {
			return nil, err
		}
		rangeCount, err := dec.readCount()
		if err != nil {
			return nil, err
		}
		for range rangeCount {
			clock, err := dec.readUvarint()
			if err != nil {
				return nil, err
			}
			length, err := dec.readUvarint()
			if err != nil {
				return nil, err
			}
			if clock+length < clock {
				return nil, ErrMalformedUpdate
			}
			if length > 0 {
				set[client] = append(set[client], clockRange{clock: clock, length: length})
			}
		}
	}
	set.normalize()
	return set, nil
}
