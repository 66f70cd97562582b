package eventlog

import (
	"encoding/binary"
	"fmt"
	"strings"
)

var (
	sep        = byte('/')
	logPrefix  = []byte("relay/log/")
	expPrefix  = []byte("relay/exp/")
	metaSuffix = []byte("/m")
	expSuffix  = []byte("/x")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// ValidateStreamID rejects ids that would break the key layout.
func ValidateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("eventlog: empty stream id")
	}
	if strings.IndexByte(id, sep) >= 0 {
		return fmt.Errorf("eventlog: stream id %q contains '/'", id)
	}
	return nil
}

// KeyLogPrefix is the prefix shared by every key of one stream's log.
func KeyLogPrefix(streamID string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(streamID)+1)
	k = append(k, logPrefix...)
	k = append(k, streamID...)
	k = append(k, sep)
	return k
}

// KeyLogMeta builds the metadata key holding the last assigned sequence.
func KeyLogMeta(streamID string) []byte {
	k := KeyLogPrefix(streamID)
	return append(k[:len(k)-1], metaSuffix...)
}

// KeyLogExpiry builds the key holding the stream's scheduled expiry.
func KeyLogExpiry(streamID string) []byte {
	k := KeyLogPrefix(streamID)
	return append(k[:len(k)-1], expSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(streamID string, seq uint64) []byte {
	k := make([]byte, 0, len(logPrefix)+len(streamID)+len(entrySeg)+8)
	k = append(k, logPrefix...)
	k = append(k, streamID...)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// KeyExpiryIndex builds the index key ordering streams by expiry deadline.
func KeyExpiryIndex(deadlineMs int64, streamID string) []byte {
	k := make([]byte, 0, len(expPrefix)+8+len(streamID))
	k = append(k, expPrefix...)
	k = appendBE8(k, uint64(deadlineMs))
	k = append(k, streamID...)
	return k
}

func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func parseExpiryIndex(k []byte) (int64, string, bool) {
	if len(k) < len(expPrefix)+8 {
		return 0, "", false
	}
	rest := k[len(expPrefix):]
	return int64(binary.BigEndian.Uint64(rest[:8])), string(rest[8:]), true
}
