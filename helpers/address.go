package helpers

import "strings"

// NormalizeAddress lowercases an address and strips surrounding whitespace and angle brackets.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// SplitEmailAddress returns the local part and the domain of an address.
// The domain is empty when the address has no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = NormalizeAddress(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// MaskAddress hides most of the local part so addresses can be logged.
func MaskAddress(email string) string {
	local, domain := SplitEmailAddress(email)
	if domain == "" {
		return "***"
	}
	if len(local) <= 1 {
		return "*@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + "@" + domain
}
