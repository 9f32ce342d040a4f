// Package extract derives a DocumentContent from a page's visible text and
// its HTML. Headings open sections; tables and forms become atomic
// component sections that the chunker keeps whole.
package extract

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/WessleyAI/pageqa/engine/domain"
)

// Input is the raw material for one document.
type Input struct {
	URL   string
	Title string
	// Text is the page's visible text. When empty it is rebuilt from the
	// extracted sections.
	Text string
	HTML string
}

// skipped elements never contribute text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Head:     true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
}

// paragraph elements are read as one block of text each.
var paragraph = map[atom.Atom]bool{
	atom.P:          true,
	atom.Li:         true,
	atom.Pre:        true,
	atom.Blockquote: true,
	atom.Dd:         true,
	atom.Dt:         true,
	atom.Figcaption: true,
	atom.Td:         true,
	atom.Th:         true,
	atom.Caption:    true,
	atom.Summary:    true,
}

// Extract parses in.HTML into sections. It fails only when the document has
// no text at all.
func Extract(in Input, now time.Time) (domain.DocumentContent, error) {
	doc := domain.DocumentContent{URL: in.URL, Title: strings.TrimSpace(in.Title)}

	if strings.TrimSpace(in.HTML) != "" {
		root, err := html.Parse(strings.NewReader(in.HTML))
		if err != nil {
			return domain.DocumentContent{}, fmt.Errorf("extract: parse html: %w", err)
		}
		w := &walker{}
		w.walk(root, nil)
		w.flush()
		doc.Structure = domain.Structure{Sections: w.sections, Headings: w.headings}
		if doc.Title == "" {
			doc.Title = findTitle(root)
		}
	}

	doc.ExtractedText = strings.TrimSpace(in.Text)
	if doc.ExtractedText == "" {
		parts := make([]string, 0, len(doc.Structure.Sections))
		for _, s := range doc.Structure.Sections {
			if s.Heading != "" && s.ComponentType == "" {
				parts = append(parts, s.Heading)
			}
			parts = append(parts, s.Content)
		}
		doc.ExtractedText = strings.Join(parts, "\n\n")
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return domain.DocumentContent{}, domain.ErrEmptyDocument
	}

	locate(doc.ExtractedText, doc.Structure.Sections)
	doc.Metadata = domain.DocumentMetadata{
		WordCount:   domain.WordCount(doc.ExtractedText),
		ExtractedAt: now,
	}
	return doc, nil
}

// locate fills section offsets by searching the text in document order.
// Offsets count runes. When only the first paragraph of a section is found,
// EndIndex covers that paragraph and not the whole section.
func locate(text string, sections []domain.Section) {
	from, fromRunes := 0, 0
	for i := range sections {
		s := &sections[i]
		s.StartIndex, s.EndIndex = -1, -1
		needle := s.Content
		if s.Atomic() || needle == "" {
			continue
		}
		idx := strings.Index(text[from:], needle)
		if idx < 0 {
			// Visible text often differs in whitespace; fall back to the
			// first paragraph.
			needle, _, _ = strings.Cut(needle, "\n\n")
			if idx = strings.Index(text[from:], needle); idx < 0 {
				continue
			}
		}
		s.StartIndex = fromRunes + utf8.RuneCountInString(text[from:from+idx])
		s.EndIndex = s.StartIndex + utf8.RuneCountInString(needle)
		from += idx + len(needle)
		fromRunes = s.EndIndex
	}
}

type walker struct {
	sections []domain.Section
	headings []domain.Heading

	heading string
	level   int
	path    string
	paras   []string
}

func (w *walker) nextID() string { return fmt.Sprintf("section-%d", len(w.sections)) }

// flush closes the current text section.
func (w *walker) flush() {
	if len(w.paras) == 0 {
		return
	}
	w.sections = append(w.sections, domain.Section{
		ID:      w.nextID(),
		Heading: w.heading,
		Level:   w.level,
		Content: strings.Join(w.paras, "\n\n"),
		DOMPath: w.path,
	})
	w.paras = nil
}

func (w *walker) addPara(text, path string) {
	if text == "" {
		return
	}
	if len(w.paras) == 0 && w.path == "" {
		w.path = path
	}
	w.paras = append(w.paras, text)
}

func (w *walker) walk(n *html.Node, path []string) {
	switch n.Type {
	case html.TextNode:
		w.addPara(collapse(n.Data), strings.Join(path, ">"))
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, path)
		}
		return
	}

	if skipped[n.DataAtom] {
		return
	}
	path = append(path, step(n))
	here := strings.Join(path, ">")

	switch {
	case headingLevel(n) > 0:
		text := collapse(textOf(n))
		if text == "" {
			return
		}
		w.flush()
		w.heading, w.level, w.path = text, headingLevel(n), here
		w.headings = append(w.headings, domain.Heading{Level: w.level, Text: text})
		return
	case n.DataAtom == atom.Table:
		w.flush()
		w.emitTable(n, here)
		w.path = ""
		return
	case n.DataAtom == atom.Form:
		w.flush()
		w.emitForm(n, here)
		w.path = ""
		return
	case n.DataAtom == atom.Br:
		return
	case paragraph[n.DataAtom] && !hasBlockChild(n), textBlock(n):
		w.addPara(collapse(textOf(n)), here)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, path)
	}
}

func (w *walker) emitTable(n *html.Node, path string) {
	var rows [][]string
	var caption string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type != html.ElementNode {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				visit(c)
			}
			return
		}
		switch n.DataAtom {
		case atom.Caption:
			caption = collapse(textOf(n))
			return
		case atom.Tr:
			var row []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.DataAtom == atom.Td || c.DataAtom == atom.Th {
					row = append(row, collapse(textOf(c)))
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
			return
		case atom.Table:
			if len(rows) > 0 {
				// Nested tables are flattened into the outer one's cells.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visit(c)
	}
	if len(rows) == 0 {
		return
	}
	var b strings.Builder
	if caption != "" {
		b.WriteString(caption)
		b.WriteByte('\n')
	}
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("| " + strings.Join(row, " | ") + " |")
	}
	heading := w.heading
	if caption != "" {
		heading = caption
	}
	w.sections = append(w.sections, domain.Section{
		ID:            w.nextID(),
		Heading:       heading,
		Level:         w.level,
		Content:       b.String(),
		DOMPath:       path,
		ComponentType: domain.ComponentTable,
		ComponentData: rows,
	})
}

func (w *walker) emitForm(n *html.Node, path string) {
	labels := map[string]string{}
	var fields [][]string
	var ids []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Label:
				if id := attr(n, "for"); id != "" {
					labels[id] = collapse(textOf(n))
				}
			case atom.Input, atom.Select, atom.Textarea, atom.Button:
				typ := attr(n, "type")
				if typ == "" {
					typ = n.Data
				}
				if typ == "hidden" {
					return
				}
				fields = append(fields, []string{fieldLabel(n), typ, attr(n, "name")})
				ids = append(ids, attr(n, "id"))
				if n.DataAtom == atom.Button || n.DataAtom == atom.Select {
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	if len(fields) == 0 {
		return
	}
	for i, f := range fields {
		if l, ok := labels[ids[i]]; ok && f[0] == "" {
			f[0] = l
		}
	}
	name := attr(n, "aria-label")
	if name == "" {
		name = attr(n, "name")
	}
	if name == "" {
		name = w.heading
	}
	var b strings.Builder
	b.WriteString("Form")
	if name != "" {
		b.WriteString(": " + name)
	}
	for _, f := range fields {
		label := f[0]
		if label == "" {
			label = f[2]
		}
		fmt.Fprintf(&b, "\n- %s (%s)", label, f[1])
	}
	w.sections = append(w.sections, domain.Section{
		ID:            w.nextID(),
		Heading:       w.heading,
		Level:         w.level,
		Content:       b.String(),
		DOMPath:       path,
		ComponentType: domain.ComponentForm,
		ComponentData: fields,
	})
}

func fieldLabel(n *html.Node) string {
	for _, k := range []string{"aria-label", "placeholder", "title"} {
		if v := attr(n, k); v != "" {
			return v
		}
	}
	if n.DataAtom == atom.Button || n.DataAtom == atom.Select {
		return collapse(textOf(n))
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func headingLevel(n *html.Node) int {
	switch n.DataAtom {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	case atom.H6:
		return 6
	}
	return 0
}

// hasBlockChild reports whether a paragraph-like element wraps structure
// that needs its own handling, such as a list item holding a table.
func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Table, atom.Form, atom.Ul, atom.Ol, atom.P, atom.Div,
			atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			return true
		}
	}
	return false
}

// textBlock reports whether n holds only text and inline markup, so that a
// plain div or span reads as one paragraph.
func textBlock(n *html.Node) bool {
	if n.FirstChild == nil || inline[n.DataAtom] {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode, html.CommentNode:
		case html.ElementNode:
			if !inline[c.DataAtom] && c.DataAtom != atom.Br {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return collapse(textOf(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// step renders n as a DOM path step: its tag, suffixed with :N when it is the
// N-th (N > 1) sibling with that tag.
func step(n *html.Node) string {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			idx++
		}
	}
	if idx == 1 {
		return n.Data
	}
	return fmt.Sprintf("%s:%d", n.Data, idx)
}

// textOf concatenates the text beneath n, skipping non-content elements.
func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Br {
				b.WriteByte(' ')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
		if n.Type == html.ElementNode && !inline[n.DataAtom] {
			b.WriteByte(' ')
		}
	}
	visit(n)
	return b.String()
}

// inline elements do not separate words.
var inline = map[atom.Atom]bool{
	atom.A: true, atom.Abbr: true, atom.B: true, atom.Code: true, atom.Em: true,
	atom.I: true, atom.Kbd: true, atom.Mark: true, atom.Q: true, atom.S: true,
	atom.Small: true, atom.Span: true, atom.Strong: true, atom.Sub: true,
	atom.Sup: true, atom.Time: true, atom.U: true, atom.Var: true,
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }
