package processor

import (
	"fmt"

	"github.com/xhad/ragchat/pkg/apperr"
)

// separators in priority order: paragraph, line, sentence end, word. When
// none fits the window the text is cut at the size limit.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune("."),
	[]rune(" "),
}

// Split cuts text into chunks of at most chunkSize characters where each
// chunk repeats the last chunkOverlap characters of the previous one.
// Separators stay attached to the chunk they end, so dropping the overlap
// prefix of every chunk after the first and concatenating gives back text.
func Split(text string, chunkSize, chunkOverlap int) ([]string, error) {
	if err := validateSizes(chunkSize, chunkOverlap); err != nil {
		return nil, err
	}
	return split([]rune(text), chunkSize, chunkOverlap), nil
}

func validateSizes(chunkSize, chunkOverlap int) error {
	const op = "processor.Split"
	if chunkSize < 1 {
		return apperr.E(apperr.ConfigurationError, op, fmt.Sprintf("chunk size must be positive, got %d", chunkSize), nil)
	}
	if chunkOverlap < 0 {
		return apperr.E(apperr.ConfigurationError, op, fmt.Sprintf("chunk overlap must not be negative, got %d", chunkOverlap), nil)
	}
	if chunkOverlap >= chunkSize {
		return apperr.E(apperr.ConfigurationError, op,
			fmt.Sprintf("chunk overlap %d must be smaller than chunk size %d", chunkOverlap, chunkSize), nil)
	}
	return nil
}

func split(runes []rune, size, overlap int) []string {
	// A chunk shorter than minLen would either make no progress past the
	// overlap or fragment the text into slivers.
	minLen := max(size/2, overlap+1)

	var chunks []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= size {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		end := cutPoint(runes, start+minLen, start+size)
		chunks = append(chunks, string(runes[start:end]))
		start = end - overlap
	}
	return chunks
}

// cutPoint picks the chunk end in [lo, hi]: right after the last occurrence of
// the highest-priority separator that ends inside the window, else hi.
func cutPoint(runes []rune, lo, hi int) int {
	for _, sep := range separators {
		for end := hi; end >= lo; end-- {
			if endsWith(runes, end, sep) {
				return end
			}
		}
	}
	return hi
}

func endsWith(runes []rune, end int, sep []rune) bool {
	if end < len(sep) {
		return false
	}
	offset := end - len(sep)
	for i, r := range sep {
		if runes[offset+i] != r {
			return false
		}
	}
	return true
}
