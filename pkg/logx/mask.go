package logx

import "strings"

// MaskAccount hides most of an account identifier for log lines and API
// responses: the first three characters are kept and an email domain survives.
//
//	"someone@example.com" -> "som***@example.com"
//	"ab"                  -> "ab***"
func MaskAccount(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	local, domain, hasAt := strings.Cut(id, "@")
	r := []rune(local)
	if len(r) > 3 {
		r = r[:3]
	}
	out := string(r) + "***"
	if hasAt {
		out += "@" + domain
	}
	return out
}

// Account is a Field carrying a masked account identifier.
func Account(id string) Field { return String("account", MaskAccount(id)) }
