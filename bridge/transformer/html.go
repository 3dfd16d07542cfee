package transformer

import (
	"strings"

	"golang.org/x/net/html"
)

// tagVisitor inspects one start or self-closing tag after attribute
// scrubbing. Returning keep=false emits the returned markup instead of
// the (possibly mutated) token.
type tagVisitor func(tok *html.Token) (emit string, keep bool)

// transformHTML re-renders markup with script and style subtrees,
// comments, doctypes, event-handler attributes and javascript: URLs
// removed. onTag may rewrite element tokens and onText rewrites text
// before it is re-escaped.
func transformHTML(input string, onTag tagVisitor, onText func(string) string) string {
	z := html.NewTokenizer(strings.NewReader(input))
	var out strings.Builder
	var skip string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out.String()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skip != "" {
				continue
			}
			if tok.Data == "script" || tok.Data == "style" {
				if tok.Type == html.StartTagToken {
					skip = tok.Data
				}
				continue
			}
			tok.Attr = scrubAttrs(tok.Attr)
			if onTag != nil {
				if emit, keep := onTag(&tok); !keep {
					out.WriteString(emit)
					continue
				}
			}
			out.WriteString(tok.String())
		case html.EndTagToken:
			tok := z.Token()
			if skip != "" {
				if tok.Data == skip {
					skip = ""
				}
				continue
			}
			if tok.Data == "script" || tok.Data == "style" {
				continue
			}
			out.WriteString(tok.String())
		case html.TextToken:
			tok := z.Token()
			if skip != "" {
				continue
			}
			text := tok.Data
			if onText != nil {
				text = onText(text)
			}
			out.WriteString(html.EscapeString(text))
		}
	}
}

// SanitizeHTML strips active content from untrusted markup without
// otherwise rewriting it.
func SanitizeHTML(input string) string {
	return transformHTML(input, nil, nil)
}

func scrubAttrs(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if (key == "href" || key == "src") && isScriptURL(a.Val) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// isScriptURL catches javascript: URLs including spellings obfuscated
// with whitespace or control characters.
func isScriptURL(val string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r <= ' ' {
			return -1
		}
		return r
	}, val)
	return strings.HasPrefix(strings.ToLower(cleaned), "javascript:")
}

// HTMLToText flattens markup to the plain-text body chat clients show
// alongside the formatted one. Block boundaries become newlines.
func HTMLToText(input string) string {
	z := html.NewTokenizer(strings.NewReader(input))
	var out strings.Builder
	var skip string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(out.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skip != "" {
				continue
			}
			switch tok.Data {
			case "script", "style":
				if tok.Type == html.StartTagToken {
					skip = tok.Data
				}
			case "br":
				out.WriteString("\n")
			case "img":
				// alt text keeps emoji readable in the plain body
				for _, a := range tok.Attr {
					if a.Key == "alt" {
						out.WriteString(a.Val)
						break
					}
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			if skip != "" {
				if tok.Data == skip {
					skip = ""
				}
				continue
			}
			switch tok.Data {
			case "p", "div", "blockquote", "li", "pre":
				out.WriteString("\n")
			}
		case html.TextToken:
			if skip != "" {
				continue
			}
			out.WriteString(z.Token().Data)
		}
	}
}
