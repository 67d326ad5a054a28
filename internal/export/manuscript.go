package export

import (
	"fmt"
	"strings"

	"inkwell/api/internal/tree"
)

// Section is one heading of the manuscript with the paragraphs of the file
// it stands for. Folders have no paragraphs.
type Section struct {
	Level      int
	Heading    string
	IsFolder   bool
	Paragraphs []string
}

// Sections flattens the forest in tree order. Roots are level 2 (level 1 is
// the project title) and headings stop deepening at 6.
func Sections(f *tree.Forest) []Section {
	if f == nil {
		return nil
	}
	var out []Section
	f.Walk(func(el *tree.Element, depth int) bool {
		out = append(out, Section{
			Level:      min(depth+2, 6),
			Heading:    el.Name,
			IsFolder:   el.IsFolder(),
			Paragraphs: paragraphs(el.Content),
		})
		return true
	})
	return out
}

// paragraphs splits text on blank lines. Single newlines stay inside a
// paragraph.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

// RenderMarkdown produces a plain Markdown manuscript.
func RenderMarkdown(data TemplateData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", data.Title)
	if data.Logline != "" {
		fmt.Fprintf(&b, "\n_%s_\n", data.Logline)
	}
	for _, s := range data.Sections {
		fmt.Fprintf(&b, "\n%s %s\n", strings.Repeat("#", s.Level), s.Heading)
		for _, p := range s.Paragraphs {
			fmt.Fprintf(&b, "\n%s\n", p)
		}
	}
	return b.String()
}
