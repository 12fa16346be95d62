package validate

import (
	"regexp"
	"strings"
)

// traversal matches "..", literal or (double) percent-encoded, followed by a separator.
var traversal = regexp.MustCompile(`(?i)(\.|%2e|%252e){2}(/|\\|%2f|%5c|%252f|%255c)`)

var schemes = []string{"file://", "content://", "ph://", "assets-library://", "http://", "https://"}

// SanitizePath strips parent-directory traversal sequences from uri. Stripping
// repeats until nothing matches so nested forms such as "....//" cannot reassemble.
// recognized reports whether the result carries a known scheme or is absolute; callers
// should warn when it is false. This is defense in depth, not a security boundary.
func SanitizePath(uri string) (clean string, recognized bool) {
	clean = uri
	for traversal.MatchString(clean) {
		clean = traversal.ReplaceAllString(clean, "")
	}
	lower := strings.ToLower(clean)
	for _, s := range schemes {
		if strings.HasPrefix(lower, s) {
			return clean, true
		}
	}
	return clean, strings.HasPrefix(clean, "/")
}
