package codec

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the number of characters per chunk used when callers
// have no better figure.
const DefaultChunkSize = 1 << 20

// CompressLargeData splits text into chunks of chunkSize characters and
// compresses each chunk independently, bounding peak memory to one chunk's
// plaintext and compressed form. Characters are runes, so every chunk is valid
// UTF-8 on its own. The returned order is significant.
func CompressLargeData(text string, chunkSize int) ([][]byte, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("codec: chunk size must be at least 1, got %d", chunkSize)
	}

	chunks := make([][]byte, 0, utf8.RuneCountInString(text)/chunkSize+1)
	for len(text) > 0 {
		end := byteOffsetAfterRunes(text, chunkSize)
		compressed, err := CompressBytes([]byte(text[:end]))
		if err != nil {
			return nil, fmt.Errorf("codec: chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, compressed)
		text = text[end:]
	}
	return chunks, nil
}

// DecompressLargeData decompresses each chunk in order and concatenates the
// decoded text.
func DecompressLargeData(chunks [][]byte) (string, error) {
	var sb strings.Builder
	for i, chunk := range chunks {
		data, err := DecompressBytes(chunk)
		if err != nil {
			return "", fmt.Errorf("codec: chunk %d: %w", i, err)
		}
		sb.Write(data)
	}
	return sb.String(), nil
}

// byteOffsetAfterRunes returns the byte offset just past the first n runes of
// s, or len(s) if s holds fewer than n runes.
func byteOffsetAfterRunes(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
