package observability

import "unicode"

// sanitizeString drops control characters and truncates to limit runes so client supplied
// values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}
