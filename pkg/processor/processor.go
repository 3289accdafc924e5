package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	KindRecursive = "recursive"
	KindSentence  = "sentence"
)

// NewSplitter returns the chunking policy used for ingestion.
func NewSplitter(kind string, chunkSize, chunkOverlap int) (textsplitter.TextSplitter, error) {
	switch kind {
	case KindRecursive, "":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		), nil
	case KindSentence:
		return NewWithConfig(ProcessorConfig{
			ChunkSize:    chunkSize,
			ChunkOverlap: chunkOverlap,
		}), nil
	default:
		return nil, fmt.Errorf("unknown splitter: %s", kind)
	}
}

type ProcessorConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	MinChunkLength  int
	RemoveStopwords bool
	CustomStopwords []string
}

// Processor packs whole sentences into chunks of at most ChunkSize bytes,
// carrying ChunkOverlap bytes of the previous chunk into the next one.
type Processor struct {
	config ProcessorConfig
}

var _ textsplitter.TextSplitter = Processor{}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = 0
	}
	if config.MinChunkLength <= 0 {
		config.MinChunkLength = config.ChunkSize / 10
	}

	return Processor{
		config: config,
	}
}

// SplitText implements textsplitter.TextSplitter.
func (p Processor) SplitText(text string) ([]string, error) {
	return p.splitIntoChunks(p.cleanText(text)), nil
}

func (p Processor) cleanText(text string) string {
	// Replace runs of whitespace, including page line breaks, with one space
	text = strings.Join(strings.Fields(text), " ")

	if p.config.RemoveStopwords {
		text = p.removeStopwords(text)
	}

	return strings.TrimSpace(text)
}

func (p Processor) splitIntoChunks(text string) []string {
	var chunks []string

	current := strings.Builder{}

	for _, sentence := range splitIntoSentences(text) {
		// Flush once the next sentence would overflow, unless the chunk is
		// still too short to stand on its own
		if current.Len() > 0 &&
			current.Len()+len(sentence) > p.config.ChunkSize &&
			current.Len() >= p.config.MinChunkLength {
			chunk := strings.TrimSpace(current.String())
			chunks = append(chunks, chunk)

			current.Reset()
			if p.config.ChunkOverlap > 0 {
				if overlap := tail(chunk, p.config.ChunkOverlap); overlap != "" {
					current.WriteString(overlap)
					current.WriteString(" ")
				}
			}
		}

		current.WriteString(sentence)
		current.WriteString(" ")
	}

	if last := strings.TrimSpace(current.String()); last != "" {
		chunks = append(chunks, last)
	}

	return chunks
}

// splitIntoSentences splits on '.', '!' and '?' followed by a space.
func splitIntoSentences(text string) []string {
	var sentences []string

	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' {
				sentences = append(sentences, text[start:i+1])
				start = i + 2
				i++
			}
		}
	}

	if start < len(text) {
		if rest := strings.TrimSpace(text[start:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}

	return sentences
}

// tail returns roughly the last n bytes of s, starting on a word boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	if j := strings.IndexByte(s[i:], ' '); j >= 0 {
		i += j + 1
	}
	return s[i:]
}

func (p Processor) removeStopwords(text string) string {
	words := strings.Fields(text)
	var filtered []string

	stopwords := make(map[string]struct{})
	for _, w := range getStopwords() {
		stopwords[w] = struct{}{}
	}
	for _, w := range p.config.CustomStopwords {
		stopwords[strings.ToLower(w)] = struct{}{}
	}

	for _, word := range words {
		if _, ok := stopwords[strings.ToLower(word)]; !ok {
			filtered = append(filtered, word)
		}
	}

	return strings.Join(filtered, " ")
}

// Common English stopwords
func getStopwords() []string {
	return []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with",
	}
}
