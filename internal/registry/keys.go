package registry

var (
	streamPrefix = []byte("relay/stream/")
	livePrefix   = []byte("relay/live/")
)

func keyStream(id string) []byte {
	return append(append(make([]byte, 0, len(streamPrefix)+len(id)), streamPrefix...), id...)
}

func keyLive(id string) []byte {
	return append(append(make([]byte, 0, len(livePrefix)+len(id)), livePrefix...), id...)
}
