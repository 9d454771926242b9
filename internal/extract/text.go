package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// textBlock is one verbatim run of text from the evidence content.
// Blocks are kept byte-identical to the raw content so any sentence
// cut from a block stays a literal substring of the evidence.
type textBlock struct {
	text string
}

// textBlocks splits evidence content into verbatim blocks. HTML
// content yields one block per visible text node; anything else is a
// single block.
func textBlocks(rawContent, contentType string) []textBlock {
	if !strings.Contains(strings.ToLower(contentType), "html") &&
		!strings.Contains(rawContent[:min(len(rawContent), 256)], "<") {
		return []textBlock{{text: rawContent}}
	}

	doc, err := html.Parse(strings.NewReader(rawContent))
	if err != nil {
		return []textBlock{{text: rawContent}}
	}

	var blocks []textBlock
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if strings.TrimSpace(n.Data) != "" {
				blocks = append(blocks, textBlock{text: n.Data})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks
}

// splitSentences cuts a block into sentence-sized pieces on sentence
// terminators, keeping each piece verbatim (no normalization).
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', ';', '\n':
			s := text[start : i+1]
			if strings.TrimSpace(s) != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if start < len(text) {
		s := text[start:]
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// trimQuote removes surrounding whitespace while keeping the quote a
// substring of the original block
func trimQuote(s string) string {
	return strings.TrimSpace(s)
}
