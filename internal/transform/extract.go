package transform

import (
	"net/url"
	"regexp"
)

// markdownImage matches ![alt](url) and ![alt](url "title"). The url may hold
// one level of balanced parentheses.
var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?((?:[^\s()<>]|\([^\s()<>]*\))+)>?(?:\s+"[^"]*")?\s*\)`)

// ExtractImageURL returns the first absolute http(s) markdown image link in text.
func ExtractImageURL(text string) (string, bool) {
	for _, m := range markdownImage.FindAllStringSubmatch(text, -1) {
		u, err := url.Parse(m[1])
		if err != nil || u.Host == "" {
			continue
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			return u.String(), true
		}
	}
	return "", false
}
