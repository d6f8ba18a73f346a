package rewrite

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// linkAttrs are the attributes the DOM engine inspects for allow-listed URLs.
var linkAttrs = []string{"href", "src", "action", "formaction", "data-src"}

// DOM is the parser-based engine. Unlike Regex it only touches attribute values,
// so URLs inside scripts and text nodes are left alone. Documents without a <head>
// get one from the parser, which still keeps the base tag first.
type DOM struct{}

// Name implements Rewriter.
func (DOM) Name() string { return "dom" }

// Rewrite implements Rewriter.
func (DOM) Rewrite(body string, opts Options) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	head := doc.Find("head").First()
	first := head.Children().First()
	if !(goquery.NodeName(first) == "base" && first.AttrOr("href", "") == opts.Origin) {
		head.PrependHtml(BaseTag(opts.Origin))
	}

	doc.Find("meta[http-equiv]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("http-equiv")
		return strings.EqualFold(strings.TrimSpace(v), "content-security-policy")
	}).Remove()

	for _, attr := range linkAttrs {
		doc.Find("[" + attr + "]").Not("base").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(attr)
			if nv := RewriteLinks(v, opts); nv != v {
				s.SetAttr(attr, nv)
			}
		})
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}
