package slots

import "strings"

// ParseKeyword splits a raw keyword into keyword and optional category.
//
// "keyword:category" splits at the last colon when both sides are non-empty;
// a colon with an empty side yields no category. Without a colon, a string of
// several whitespace-separated tokens uses its last token as the category.
func ParseKeyword(raw string) (keyword, category string) {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		kw := strings.TrimSpace(s[:i])
		cat := strings.TrimSpace(s[i+1:])
		if kw != "" && cat != "" {
			return kw, cat
		}
		return s, ""
	}
	fields := strings.Fields(s)
	if len(fields) > 1 {
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
	return s, ""
}
