// Package chunker splits narration text into bounded, ordered pieces that a
// speech backend can synthesize independently.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrEmptyText   = errors.New("text is empty")
	ErrBlankChunk  = errors.New("chunk contains only whitespace")
	ErrInvalidSize = errors.New("max chunk size must be positive")
)

// Chunk is one contiguous piece of the source text. Index is the only
// ordering key.
type Chunk struct {
	Index int
	Text  string
}

// Len reports the chunk length in runes.
func (c Chunk) Len() int { return utf8.RuneCountInString(c.Text) }

// Split cuts text into pieces of at most maxChunkSize runes. Joining the
// pieces in index order yields text unchanged. Cuts prefer the end of a
// sentence or paragraph, then any whitespace, and only fall back to a hard
// cut when a single token is longer than maxChunkSize.
func Split(text string, maxChunkSize int) ([]Chunk, error) {
	if maxChunkSize <= 0 {
		return nil, ErrInvalidSize
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrBlankChunk
	}

	runes := []rune(text)
	chunks := make([]Chunk, 0, len(runes)/maxChunkSize+1)
	for start := 0; start < len(runes); {
		end := len(runes)
		if end-start > maxChunkSize {
			end = start + cutPoint(runes[start:start+maxChunkSize], runes[start+maxChunkSize])
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) == "" {
			return nil, fmt.Errorf("chunk %d: %w", len(chunks), ErrBlankChunk)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: piece})
		start = end
	}
	return chunks, nil
}

// cutPoint returns how many runes of window go into the current chunk. next
// is the first rune after the window.
func cutPoint(window []rune, next rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i > 0; i-- {
		if i+1 < half {
			break
		}
		if isSentenceEnd(window, i) {
			return i + 1
		}
	}
	if unicode.IsSpace(next) {
		return len(window)
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

func isSentenceEnd(window []rune, i int) bool {
	r := window[i]
	if r == '\n' {
		return true
	}
	if !unicode.IsSpace(r) {
		return false
	}
	switch window[i-1] {
	case '.', '!', '?', ';':
		return true
	}
	return false
}
