// Package chunker splits document text into overlapping word windows.
package chunker

import (
	"strings"
)

const (
	DefaultWords   = 512
	DefaultOverlap = 50
)

// Options configures chunking behavior.
type Options struct {
	Words   int // window size in words
	Overlap int // words shared by consecutive windows
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		Words:   DefaultWords,
		Overlap: DefaultOverlap,
	}
}

// ChunkResult is one window with its word offsets in the original text.
// StartWord is inclusive, EndWord exclusive.
type ChunkResult struct {
	Text      string
	StartWord int
	EndWord   int
}

// Chunk splits text into windows of opts.Words words, each starting
// opts.Words-opts.Overlap words after the previous one. Whitespace inside a
// chunk is collapsed to single spaces. Text of at most opts.Words words
// returns a single chunk.
func Chunk(text string, opts Options) []ChunkResult {
	if opts.Words <= 0 {
		opts = DefaultOptions()
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Words {
		opts.Overlap = 0
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := opts.Words - opts.Overlap
	var results []ChunkResult
	for start := 0; start < len(words); start += step {
		end := start + opts.Words
		if end > len(words) {
			end = len(words)
		}
		results = append(results, ChunkResult{
			Text:      strings.Join(words[start:end], " "),
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words) {
			break
		}
	}
	return results
}
