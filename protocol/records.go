package protocol

// Records is a batch of framed records. Batching keeps the network loops
// writev-friendly and converts directly to net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
