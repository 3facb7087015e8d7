package logger

import "strings"

// RedactEmail masks an address so log lines keep enough shape to correlate
// deliveries without storing the recipient. The first and last characters of
// the local part survive; everything between is starred out.
//
//	"sam.jones@example.com" → "s*******s@example.com"
//	"ab@example.com"        → "**@example.com"
//	anything unparseable    → "<redacted>"
func RedactEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "<redacted>"
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + "@" + domain
}
