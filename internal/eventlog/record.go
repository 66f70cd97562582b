package eventlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rzbill/chatrelay/internal/event"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Decoded{}, false
	}
	if n+int(hlen)+4 > len(b) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, false
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, true
}

// encodeEntry stores the append time (unix ms) in the header and the event's
// wire JSON as payload.
func encodeEntry(appendedMs int64, e event.Event) ([]byte, error) {
	payload, err := event.Encode(e)
	if err != nil {
		return nil, err
	}
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], uint64(appendedMs))
	return EncodeRecord(h[:], payload), nil
}

func decodeEntry(b []byte) (int64, event.Event, error) {
	dec, ok := DecodeRecord(b)
	if !ok {
		return 0, event.Event{}, ErrCorrupt
	}
	var ms int64
	if len(dec.Header) >= 8 {
		ms = int64(binary.BigEndian.Uint64(dec.Header[:8]))
	}
	e, err := event.Decode(dec.Payload)
	if err != nil {
		return 0, event.Event{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return ms, e, nil
}
