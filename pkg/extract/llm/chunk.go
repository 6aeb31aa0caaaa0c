package llm

import (
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// chunk is one token-bounded slice of the source document. Index is
// stable across runs and recorded on every entity extracted from it.
type chunk struct {
	index int
	text  string
}

// splitIntoSentences breaks text on sentence terminators and paragraph
// boundaries. Abbreviation handling is deliberately simple; a chunk
// boundary in the middle of "e.g." costs a slightly awkward split, not
// correctness.
func splitIntoSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}

		runes := []rune(trimmed)
		for i, r := range runes {
			current.WriteRune(r)
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			// Terminator only counts when followed by space and an
			// upper-case letter, or at end of line.
			if i+1 >= len(runes) {
				flush()
				continue
			}
			if unicode.IsSpace(runes[i+1]) && i+2 < len(runes) && unicode.IsUpper(runes[i+2]) {
				flush()
			}
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
	}
	flush()

	return sentences
}

// chunkText groups sentences into chunks of at most maxTokens tokens
// under the given encoding. A single oversized sentence becomes its own
// chunk rather than being split mid-sentence.
func chunkText(text string, encoder string, maxTokens int) ([]chunk, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}

	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []chunk
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, chunk{
			index: len(chunks),
			text:  strings.Join(current, " "),
		})
		current = nil
		currentTokens = 0
	}

	for _, sentence := range sentences {
		tokens := len(enc.Encode(sentence, nil, nil))
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		currentTokens += tokens
	}
	flush()

	return chunks, nil
}
