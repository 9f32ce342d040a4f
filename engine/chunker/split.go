package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

// splitParagraphs splits on blank lines and drops empty paragraphs.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits text after '.', '!' or '?' followed by whitespace,
// and at newlines.
func splitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		end := r == '\n'
		if r == '.' || r == '!' || r == '?' {
			end = i == len(runes)-1 || unicode.IsSpace(runes[i+1])
		}
		if end {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// isTable reports whether a paragraph is a pipe-delimited table: at least two
// lines, every line starting with '|'.
func isTable(para string) bool {
	lines := strings.Split(para, "\n")
	if len(lines) < 2 {
		return false
	}
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "|") {
			return false
		}
	}
	return true
}

func containsTable(text string) bool {
	for _, p := range splitParagraphs(text) {
		if isTable(p) {
			return true
		}
	}
	return false
}

// parseTable returns the cell grid of a pipe table, skipping separator rows.
func parseTable(para string) [][]string {
	var rows [][]string
	for _, l := range strings.Split(para, "\n") {
		l = strings.Trim(strings.TrimSpace(l), "|")
		if strings.Trim(l, "-:| ") == "" {
			continue
		}
		cells := strings.Split(l, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, cells)
	}
	return rows
}

func cutRunes(s string, n int) []string {
	r := []rune(s)
	var out []string
	for len(r) > n {
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
