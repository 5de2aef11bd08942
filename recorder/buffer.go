package recorder

// ChunkBuffer is the ordered list of encoded segments of one recording.
type ChunkBuffer struct {
	chunks [][]byte
	size   int
}

func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
}

// Len is the number of chunks.
func (b *ChunkBuffer) Len() int {
	return len(b.chunks)
}

// Size is the total number of bytes.
func (b *ChunkBuffer) Size() int {
	return b.size
}

func (b *ChunkBuffer) Chunks() [][]byte {
	return b.chunks
}

func (b *ChunkBuffer) Reset() {
	b.chunks = nil
	b.size = 0
}
