package scripts

import "regexp"

var placeholderRegexp = regexp.MustCompile(placeholderPattern)

// findPlaceholders returns every ${NAME} match in s, in order of
// appearance, including duplicates.
func findPlaceholders(s string) []string {
	matches := placeholderRegexp.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
