package folder

import (
	"strings"
	"unicode/utf16"
)

// Position is a zero-based line and character offset. Characters count
// UTF-16 code units, as editors do.
type Position struct {
	Line      int
	Character int
}

// Range spans two positions, end exclusive.
type Range struct {
	Start Position
	End   Position
}

// Edit replaces Range in the document at Path with NewText.
type Edit struct {
	Path    string
	Range   Range
	NewText string
}

// documentRange returns the range covering all of text.
func documentRange(text string) Range {
	line := strings.Count(text, "\n")
	last := text[strings.LastIndexByte(text, '\n')+1:]
	return Range{End: Position{Line: line, Character: utf16Len(last)}}
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
