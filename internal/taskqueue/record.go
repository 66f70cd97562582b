package taskqueue

import (
	"encoding/binary"
	"hash/crc32"
)

// Task record: nameLen(2B BE) | name | payload | crc32c(name|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeTask(name string, payload []byte) []byte {
	out := make([]byte, 0, 2+len(name)+len(payload)+4)
	out = binary.BigEndian.AppendUint16(out, uint16(len(name)))
	out = append(out, name...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, []byte(name))
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeTask(b []byte) (string, []byte, bool) {
	if len(b) < 6 {
		return "", nil, false
	}
	nlen := int(binary.BigEndian.Uint16(b[:2]))
	if 2+nlen+4 > len(b) {
		return "", nil, false
	}
	name := b[2 : 2+nlen]
	payload := b[2+nlen : len(b)-4]
	crc := crc32.Update(0, castagnoli, name)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return "", nil, false
	}
	return string(name), append([]byte(nil), payload...), true
}

// lease value: expires_at_ms(8B BE) | deliveries(4B BE)
func encodeLease(expMs int64, deliveries uint32) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(expMs))
	binary.BigEndian.PutUint32(b[8:12], deliveries)
	return b[:]
}

func decodeLease(b []byte) (int64, uint32, bool) {
	if len(b) < 12 {
		return 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(b[0:8])), binary.BigEndian.Uint32(b[8:12]), true
}
