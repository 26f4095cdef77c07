package upload

// Part is one UploadPart write: Data lands at Offset in the data account.
type Part struct {
	Offset uint64
	Data   []byte
}

// End returns the offset just past the part.
func (p Part) End() uint64 {
	return p.Offset + uint64(len(p.Data))
}

// SplitParts cuts payload[start:] into parts of at most partSize bytes. Offsets are
// absolute positions in payload, so the first part starts at start and each following
// part starts where the previous one ended.
func SplitParts(payload []byte, partSize int, start uint64) []Part {
	if partSize <= 0 || start >= uint64(len(payload)) {
		return nil
	}
	remaining := uint64(len(payload)) - start
	size := uint64(partSize)
	parts := make([]Part, 0, (remaining+size-1)/size)
	for offset := start; offset < uint64(len(payload)); offset += size {
		end := offset + size
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		parts = append(parts, Part{Offset: offset, Data: payload[offset:end]})
	}
	return parts
}
