// Package reassemble joins per-segment transcripts into one text, dropping
// speech repeated across segment overlaps.
//
// Overlap detection is a plain longest suffix/prefix match over a short
// window. It is sensitive to punctuation and recognizer wording drift, so
// duplicated or missing words at boundaries are possible.
package reassemble

import "slices"

const (
	// window bounds how far back into the accumulated text a match may reach.
	window = 100
	// minOverlap is the shortest match treated as real repeated speech.
	minOverlap = 10
)

// Combine concatenates transcripts in order. Lengths are measured in runes
// so Cyrillic and other multi-byte text is windowed correctly.
func Combine(transcripts []string) string {
	switch len(transcripts) {
	case 0:
		return ""
	case 1:
		return transcripts[0]
	}

	acc := []rune(transcripts[0])
	for _, t := range transcripts[1:] {
		next := []rune(t)
		n := Overlap(acc, next)
		if n > minOverlap {
			acc = append(acc, next[n:]...)
			continue
		}
		acc = append(acc, ' ')
		acc = append(acc, next...)
	}
	return string(acc)
}

// Overlap returns the length of the longest suffix of the last window runes
// of acc that is also a prefix of next.
func Overlap(acc, next []rune) int {
	w := min(window, len(acc), len(next))
	tail := acc[len(acc)-w:]
	for n := w; n > 0; n-- {
		if slices.Equal(tail[w-n:], next[:n]) {
			return n
		}
	}
	return 0
}
