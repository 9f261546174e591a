package parser

import (
	"strings"

	"golang.org/x/net/html"
)

// NormalizeBody converts HTML bodies to text and collapses whitespace.
func NormalizeBody(body string) string {
	if looksLikeHTML(body) {
		body = htmlToText(body)
	}
	return collapseSpaces(body)
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, tag := range []string{"<html", "<body", "<div", "<p>", "<p ", "<table", "<td", "<br", "<span"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "td": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "table": true,
}

func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "style", "script", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
