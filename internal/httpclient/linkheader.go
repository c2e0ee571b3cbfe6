package httpclient

import "strings"

// Link is one parsed entry of an RFC 8288 Link header.
type Link struct {
	URL string
	Rel string
}

// ParseLinkHeaders parses Link header values into (url, rel) pairs. Entries
// without a rel parameter are kept with an empty Rel. The parser covers the
// subset publishers actually send; exotic parameters are ignored.
func ParseLinkHeaders(values []string) []Link {
	var links []Link
	for _, value := range values {
		for _, entry := range splitEntries(value) {
			link, ok := parseEntry(entry)
			if !ok {
				continue
			}
			// A rel value may itself be a space-separated list.
			if link.Rel == "" {
				links = append(links, link)
				continue
			}
			for _, rel := range strings.Fields(link.Rel) {
				links = append(links, Link{URL: link.URL, Rel: rel})
			}
		}
	}
	return links
}

// FindRel returns the first link with the given rel, or "".
func FindRel(links []Link, rel string) string {
	for _, l := range links {
		if strings.EqualFold(l.Rel, rel) {
			return l.URL
		}
	}
	return ""
}

// splitEntries splits a header value on commas outside <> and "".
func splitEntries(value string) []string {
	var entries []string
	var sb strings.Builder
	inAngle, inQuote := false, false
	for _, r := range value {
		switch {
		case r == '<' && !inQuote:
			inAngle = true
		case r == '>' && !inQuote:
			inAngle = false
		case r == '"' && !inAngle:
			inQuote = !inQuote
		case r == ',' && !inAngle && !inQuote:
			entries = append(entries, sb.String())
			sb.Reset()
			continue
		}
		sb.WriteRune(r)
	}
	if sb.Len() > 0 {
		entries = append(entries, sb.String())
	}
	return entries
}

func parseEntry(entry string) (Link, bool) {
	parts := strings.Split(entry, ";")
	target := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
		return Link{}, false
	}
	link := Link{URL: strings.TrimSpace(target[1 : len(target)-1])}
	if link.URL == "" {
		return Link{}, false
	}
	for _, param := range parts[1:] {
		key, val, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "rel") {
			link.Rel = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return link, true
}
