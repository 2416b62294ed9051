// Package chunk splits source documents into embedding-sized pieces.
//
// Plain text is split on sentence boundaries; markdown is split on heading
// boundaries while keeping fenced code blocks intact. All content types
// share one size cap so downstream embedding cost stays predictable.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind identifies the content type being split.
type Kind string

const (
	// Text is plain prose, split on sentence boundaries.
	Text Kind = "text/plain"
	// Markdown is split on headings, fence-aware.
	Markdown Kind = "text/markdown"
)

// DefaultMaxSize is the default chunk size cap in characters.
const DefaultMaxSize = 1000

// Splitter produces chunks no longer than its size cap.
// Chunks are trimmed of surrounding whitespace; empty chunks are dropped.
// Every non-whitespace character of the input appears in exactly one chunk.
type Splitter struct {
	maxSize int
}

// NewSplitter creates a Splitter with the given cap in characters (runes).
// Non-positive values fall back to DefaultMaxSize.
func NewSplitter(maxSize int) *Splitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Splitter{maxSize: maxSize}
}

// Split chunks content according to its kind.
// Unknown kinds are treated as plain text.
func (s *Splitter) Split(content string, kind Kind) []string {
	switch kind {
	case Markdown:
		return s.splitMarkdown(content)
	default:
		return s.splitText(content)
	}
}

// KindForPath maps a file extension to a content kind.
func KindForPath(path string) Kind {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".mdx") || strings.HasSuffix(lower, ".markdown") {
		return Markdown
	}
	return Text
}

// splitText groups sentences into chunks up to the size cap.
// A single sentence longer than the cap is hard-split.
func (s *Splitter) splitText(text string) []string {
	var chunks []string
	var b strings.Builder

	flush := func() {
		if c := strings.TrimSpace(b.String()); c != "" {
			chunks = append(chunks, c)
		}
		b.Reset()
	}

	for _, sent := range sentences(text) {
		trimmed := strings.TrimSpace(sent)
		if trimmed == "" {
			continue
		}
		n := utf8.RuneCountInString(trimmed)
		if n > s.maxSize {
			flush()
			chunks = append(chunks, hardSplit(trimmed, s.maxSize)...)
			continue
		}
		if b.Len() > 0 && utf8.RuneCountInString(b.String())+1+n > s.maxSize {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(trimmed)
	}
	flush()

	return chunks
}

// splitMarkdown splits on heading lines outside fenced code blocks,
// then caps each section.
func (s *Splitter) splitMarkdown(content string) []string {
	var sections []string
	var b strings.Builder
	inFence := false

	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence && isHeading(trimmed) && b.Len() > 0 {
			sections = append(sections, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		sections = append(sections, b.String())
	}

	var chunks []string
	for _, sec := range sections {
		sec = strings.TrimSpace(sec)
		if sec == "" {
			continue
		}
		if utf8.RuneCountInString(sec) <= s.maxSize {
			chunks = append(chunks, sec)
			continue
		}
		chunks = append(chunks, s.splitSection(sec)...)
	}
	return chunks
}

// splitSection caps an oversized markdown section, preferring paragraph
// boundaries, then sentence boundaries.
func (s *Splitter) splitSection(section string) []string {
	var chunks []string
	var b strings.Builder

	flush := func() {
		if c := strings.TrimSpace(b.String()); c != "" {
			chunks = append(chunks, c)
		}
		b.Reset()
	}

	for _, para := range strings.Split(section, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		if n > s.maxSize {
			flush()
			chunks = append(chunks, s.splitText(para)...)
			continue
		}
		if b.Len() > 0 && utf8.RuneCountInString(b.String())+2+n > s.maxSize {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(para)
	}
	flush()

	return chunks
}

// isHeading reports whether a trimmed line is an ATX heading (1-6 hashes
// followed by a space).
func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	return i <= 6 && i < len(line) && line[i] == ' '
}

// sentences splits text after runs of sentence terminators followed by
// whitespace or end of input. Abbreviations mid-word (e.g. "3.14") stay
// intact because the terminator is not followed by a space.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			j := i
			for j+1 < len(runes) && isTerminator(runes[j+1]) {
				j++
			}
			if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
				out = append(out, string(runes[start:j+1]))
				start = j + 1
			}
			i = j
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// hardSplit cuts text into max-sized rune slices. Used only when a single
// sentence exceeds the cap.
func hardSplit(text string, max int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > max {
		if c := strings.TrimSpace(string(runes[:max])); c != "" {
			out = append(out, c)
		}
		runes = runes[max:]
	}
	if c := strings.TrimSpace(string(runes)); c != "" {
		out = append(out, c)
	}
	return out
}
