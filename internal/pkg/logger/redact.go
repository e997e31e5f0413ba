package logger

import "strings"

// RedactEmail keeps at most the first two characters of the local part
// plus the domain, so log lines can still be correlated with a recipient
// without exposing the full address. Anything that does not look like an
// address comes back fully masked.
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
