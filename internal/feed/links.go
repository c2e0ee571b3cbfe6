// Package feed extracts WebSub discovery links (rel="hub", rel="self") from
// fetched topic documents: Atom and RSS feeds, and HTML pages.
package feed

import (
	"bytes"
	"encoding/xml"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// Links holds the discovery links found in one document, in document order.
type Links struct {
	Hub  []string
	Self []string
}

// Extract pulls rel="hub" and rel="self" links out of a topic document.
// The content type selects the parser; an unrecognized type falls back to a
// sniff of the body. Parse errors yield empty links, not an error: a topic
// without discoverable links is a policy question for the caller.
func Extract(body []byte, contentType string) Links {
	switch kind(body, contentType) {
	case "html":
		return extractHTML(body)
	case "xml":
		return extractXML(body)
	default:
		return Links{}
	}
}

func kind(body []byte, contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		switch {
		case mt == "text/html" || mt == "application/xhtml+xml":
			return "html"
		case mt == "text/xml" || mt == "application/xml" || strings.HasSuffix(mt, "+xml"):
			return "xml"
		}
	}
	head := strings.ToLower(string(body[:min(len(body), 256)]))
	if strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") {
		return "html"
	}
	if strings.Contains(head, "<?xml") || strings.Contains(head, "<feed") || strings.Contains(head, "<rss") {
		return "xml"
	}
	return ""
}

// extractXML scans Atom <link rel href> elements and the equivalent
// atom:link elements embedded in RSS channels. RSS's own bare <link> text
// element is the alternate URL and carries no rel; it is skipped.
func extractXML(body []byte) Links {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var links Links
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "link" {
			continue
		}
		var rel, href string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "rel":
				rel = attr.Value
			case "href":
				href = attr.Value
			}
		}
		links.add(rel, href)
	}
	return links
}

func extractHTML(body []byte) Links {
	var links Links
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return links
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Link || n.DataAtom == atom.A) {
			var rel, href string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "rel":
					rel = attr.Val
				case "href":
					href = attr.Val
				}
			}
			links.add(rel, href)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func (l *Links) add(rel, href string) {
	if href == "" {
		return
	}
	for _, r := range strings.Fields(rel) {
		switch strings.ToLower(r) {
		case "hub":
			l.Hub = append(l.Hub, href)
		case "self":
			l.Self = append(l.Self, href)
		}
	}
}

// HasHub reports whether any hub link equals hubURL.
func (l Links) HasHub(hubURL string) bool {
	return contains(l.Hub, hubURL)
}

// HasSelf reports whether any self link equals topicURL.
func (l Links) HasSelf(topicURL string) bool {
	return contains(l.Self, topicURL)
}

func contains(urls []string, want string) bool {
	for _, u := range urls {
		if strings.TrimSuffix(u, "/") == strings.TrimSuffix(want, "/") {
			return true
		}
	}
	return false
}
