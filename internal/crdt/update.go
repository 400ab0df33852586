package crdt

import (
	"fmt"
	"slices"
)

const (
	infoOriginLeft  byte = 1 << 0
	infoOriginRight byte = 1 << 1
	infoKnownBits        = infoOriginLeft | infoOriginRight

	errFormatInfoByte  = "%w: unknown info bits %#x"
	errFormatEmptyRun  = "%w: empty run at client %d clock %d"
	errFormatClockWrap = "%w: clock overflow at client %d"
)

// run is a block of consecutive characters from one client where every character after the first
// has the previous character as its left origin and all share the same right origin.
type run struct {
	client      uint64
	clock       uint64
	originLeft  *ID
	originRight *ID
	root        string
	text        []rune
}

type update struct {
	runs    []run
	deletes deleteSet
}

func sameRef(left, right *ID) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}

// runsFromItems packs items sorted by client and clock into runs.
func runsFromItems(items []*item) []run {
	var runs []run
	for _, element := range items {
		if count := len(runs); count > 0 {
			last := &runs[count-1]
			nextClock := last.clock + uint64(len(last.text))
			previous := ID{Client: last.client, Clock: nextClock - 1}
			if last.client == element.id.Client &&
				nextClock == element.id.Clock &&
				element.originLeft != nil && *element.originLeft == previous &&
				sameRef(last.originRight, element.originRight) {
				last.text = append(last.text, element.content)
				continue
			}
		}
		runs = append(runs, run{
			client:      element.id.Client,
			clock:       element.id.Clock,
			originLeft:  element.originLeft,
			originRight: element.originRight,
			root:        element.root,
			text:        []rune{element.content},
		})
	}
	return runs
}

func sortItems(items []*item) {
	slices.SortFunc(items, func(a, b *item) int {
		return compareIDs(a.id, b.id)
	})
}

func compareIDs(a, b ID) int {
	switch {
	case a.Client < b.Client:
		return -1
	case a.Client > b.Client:
		return 1
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	default:
		return 0
	}
}

func encodeUpdate(runs []run, deletes deleteSet) []byte {
	enc := &encoder{}
	var clients []uint64
	byClient := map[uint64][]run{}
	for _, block := range runs {
		if _, seen := byClient[block.client]; !seen {
			clients = append(clients, block.client)
		}
		byClient[block.client] = append(byClient[block.client], block)
	}
	slices.Sort(clients)

	enc.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		blocks := byClient[client]
		enc.writeUvarint(client)
		enc.writeUvarint(uint64(len(blocks)))
		for _, block := range blocks {
			enc.writeUvarint(block.clock)
			var info byte
			if block.originLeft != nil {
				info |= infoOriginLeft
			}
			if block.originRight != nil {
				info |= infoOriginRight
			}
			enc.writeByte(info)
			if block.originLeft != nil {
				enc.writeUvarint(block.originLeft.Client)
				enc.writeUvarint(block.originLeft.Clock)
			}
			if block.originRight != nil {
				enc.writeUvarint(block.originRight.Client)
				enc.writeUvarint(block.originRight.Clock)
			}
			if info == 0 {
				enc.writeString(block.root)
			}
			enc.writeString(string(block.text))
		}
	}
	if deletes == nil {
		deletes = deleteSet{}
	}
	deletes.encode(enc)
	return enc.bytes()
}

func decodeUpdate(payload []byte) (update, error) {
	dec := newDecoder(payload)
	clientCount, err := dec.readCount()
	if err != nil {
		return update{}, err
	}
	var decoded update
	for range clientCount {
		client, err := dec.readUvarint()
		if err != nil {
			return update{}, err
		}
		runCount, err := dec.readCount()
		if err != nil {
			return update{}, err
		}
		for range runCount {
			block, err := decodeRun(dec, client)
			if err != nil {
				return update{}, err
			}
			decoded.runs = append(decoded.runs, block)
		}
	}
	decoded.deletes, err = decodeDeleteSet(dec)
	if err != nil {
		return update{}, err
	}
	if err := dec.finish(); err != nil {
		return update{}, err
	}
	return decoded, nil
}

func decodeRun(dec *decoder, client uint64) (run, error) {
	block := run{client: client}
	var err error
	if block.clock, err = dec.readUvarint(); err != nil {
		return run{}, err
	}
	info, err := dec.readByte()
	if err != nil {
		return run{}, err
	}
	if info&^infoKnownBits != 0 {
		return run{}, fmt.Errorf(errFormatInfoByte, ErrMalformedUpdate, info)
	}
	if info&infoOriginLeft != 0 {
		if block.originLeft, err = decodeID(dec); err != nil {
			return run{}, err
		}
	}
	if info&infoOriginRight != 0 {
		if block.originRight, err = decodeID(dec); err != nil {
			return run{}, err
		}
	}
	if info == 0 {
		if block.root, err = dec.readString(); err != nil {
			return run{}, err
		}
	}
	text, err := dec.readString()
	if err != nil {
		return run{}, err
	}
	block.text = []rune(text)
	if len(block.text) == 0 {
		return run{}, fmt.Errorf(errFormatEmptyRun, ErrMalformedUpdate, client, block.clock)
	}
	if block.clock+uint64(len(block.text)) < block.clock {
		return run{}, fmt.Errorf(errFormatClockWrap, ErrMalformedUpdate, client)
	}
	return block, nil
}

func decodeID(dec *decoder) (*ID, error) {
	client, err := dec.readUvarint()
	if err != nil {
		return nil, err
	}
	clock, err := dec.readUvarint()
	if err != nil {
		return nil, err
	}
	return &ID{Client: client, Clock: clock}, nil
}

func encodeStateVector(vector map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(vector))
	for client, clock := range vector {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	slices.Sort(clients)
	enc := &encoder{}
	enc.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		enc.writeUvarint(client)
		enc.writeUvarint(vector[client])
	}
	return enc.bytes()
}

func decodeStateVector(payload []byte) (map[uint64]uint64, error) {
	vector := map[uint64]uint64{}
	if len(payload) == 0 {
		return vector, nil
	}
	dec := newDecoder(payload)
	count, err := dec.readCount()
	if err != nil {
		return nil, err
	}
	for range count {
		client, err := dec.readUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.readUvarint()
		if err != nil {
			return nil, err
		}
		vector[client] = clock
	}
	if err := dec.finish(); err != nil {
		return nil, err
	}
	return vector, nil
}
