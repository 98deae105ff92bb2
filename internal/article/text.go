package article

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "ul": true, "ol": true, "li": true, "table": true,
	"tr": true, "figure": true, "figcaption": true, "aside": true, "main": true, "hr": true,
	"dl": true, "dt": true, "dd": true,
}

// HTMLToText flattens article HTML into narration text. Paragraphs are
// separated by a blank line, lines are never wrapped, link targets and images
// are dropped and heading case is preserved.
func HTMLToText(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template, img, picture, svg, iframe, video, audio, head").Remove()

	w := &textWriter{}
	for _, n := range doc.Nodes {
		w.walk(n)
	}
	return strings.TrimSpace(w.b.String()), nil
}

type textWriter struct {
	b       strings.Builder
	pending string
	space   bool
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
	case html.ElementNode, html.DocumentNode:
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			w.breakLine("\n\n")
		}
		if n.Type == html.ElementNode && n.Data == "br" {
			w.breakLine("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		if block {
			w.breakLine("\n\n")
		}
	}
}

func (w *textWriter) breakLine(sep string) {
	if w.b.Len() == 0 {
		return
	}
	if len(sep) > len(w.pending) {
		w.pending = sep
	}
	w.space = false
}

func (w *textWriter) text(s string) {
	for _, r := range s {
		if unicode.IsSpace(r) {
			w.space = true
			continue
		}
		if w.pending != "" {
			w.b.WriteString(w.pending)
			w.pending = ""
		} else if w.space && w.b.Len() > 0 {
			w.b.WriteByte(' ')
		}
		w.space = false
		w.b.WriteRune(r)
	}
}
