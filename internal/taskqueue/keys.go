package taskqueue

import "encoding/binary"

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

type keyspace struct{ base []byte }

func newKeyspace(name string) keyspace {
	return keyspace{base: []byte("tq/" + name + "/")}
}

func (k keyspace) sub(seg string) []byte {
	out := make([]byte, 0, len(k.base)+len(seg)+17)
	out = append(out, k.base...)
	return append(out, seg...)
}

func (k keyspace) Meta() []byte { return k.sub("m") }

func (k keyspace) Msg(seq uint64) []byte { return appendBE8(k.sub("msg/"), seq) }

func (k keyspace) ReadyPrefix() []byte     { return k.sub("ready/") }
func (k keyspace) Ready(seq uint64) []byte { return appendBE8(k.ReadyPrefix(), seq) }
func (k keyspace) DelayPrefix() []byte     { return k.sub("delay/") }
func (k keyspace) LeaseIdxPrefix() []byte  { return k.sub("lease_idx/") }
func (k keyspace) Lease(seq uint64) []byte { return appendBE8(k.sub("lease/"), seq) }
func (k keyspace) DLQPrefix() []byte       { return k.sub("dlq/") }
func (k keyspace) DLQ(seq uint64) []byte   { return appendBE8(k.DLQPrefix(), seq) }
func (k keyspace) Delay(fireMs int64, seq uint64) []byte {
	return appendBE8(appendBE8(k.DelayPrefix(), uint64(fireMs)), seq)
}
func (k keyspace) LeaseIdx(expMs int64, seq uint64) []byte {
	return appendBE8(appendBE8(k.LeaseIdxPrefix(), uint64(expMs)), seq)
}

// splitTimeSeq parses the {ms}/{seq} suffix of delay and lease index keys.
func splitTimeSeq(key, prefix []byte) (int64, uint64, bool) {
	if len(key) != len(prefix)+16 {
		return 0, 0, false
	}
	rest := key[len(prefix):]
	return int64(binary.BigEndian.Uint64(rest[:8])), binary.BigEndian.Uint64(rest[8:]), true
}
