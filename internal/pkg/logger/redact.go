package logger

import "strings"

// RedactEmail keeps the first two characters of the local part and the
// domain: john.doe@example.com logs as jo***@example.com. Local parts of
// two characters or fewer are masked completely.
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || strings.Count(email, "@") != 1 {
		return "***@***"
	}
	local, domain := []rune(email[:at]), email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return string(local[:2]) + "***@" + domain
}
