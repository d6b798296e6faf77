// Package batch holds the pure rules of batch execution: chunk planning,
// status transitions, checkpoint verification and retry backoff.
package batch

// Chunk is a contiguous slice [Start, Start+Count) of a job's requests.
type Chunk struct {
	Index int
	Start int
	Count int
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int {
	return c.Start + c.Count
}

// ClampChunkSize returns a chunk size of at least one.
func ClampChunkSize(size int) int {
	if size < 1 {
		return 1
	}
	return size
}

// NextChunk returns the chunk that starts at cursor, or false once cursor reaches total.
// The final chunk is sized to the remainder.
func NextChunk(cursor, total, chunkSize int) (Chunk, bool) {
	size := ClampChunkSize(chunkSize)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= total {
		return Chunk{}, false
	}
	count := min(size, total-cursor)
	return Chunk{
		Index: cursor / size,
		Start: cursor,
		Count: count,
	}, true
}

// Plan returns every chunk remaining from cursor to total.
func Plan(cursor, total, chunkSize int) []Chunk {
	var chunks []Chunk
	for {
		c, ok := NextChunk(cursor, total, chunkSize)
		if !ok {
			return chunks
		}
		chunks = append(chunks, c)
		cursor = c.End()
	}
}
