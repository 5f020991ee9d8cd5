package app

import "strings"

// maxBase64ScanLen is the length above which a string is checked for
// base64 density -- short strings are never worth scanning.
const maxBase64ScanLen = 1000

// maxErrorMessageLen is the length above which an error message is
// truncated before it reaches a log line.
const maxErrorMessageLen = 5000

// truncatedErrorMessageLen is how much of an oversized error message
// survives truncation.
const truncatedErrorMessageLen = 500

// mightContainImageData reports whether s looks like it carries inline
// image data: a data: URL, or a long run of characters that is almost
// entirely base64 alphabet.
func mightContainImageData(s string) bool {
	if strings.Contains(s, "data:image/") || strings.Contains(s, "data:application/") {
		return true
	}
	return len(s) > maxBase64ScanLen && isLikelyBase64(s)
}

// isLikelyBase64 reports whether more than 90% of s is drawn from the
// base64 alphabet (including padding), the threshold above which a string
// is more likely an encoded blob than prose.
func isLikelyBase64(s string) bool {
	if len(s) == 0 {
		return false
	}
	var base64Chars int
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '+', r == '/', r == '=':
			base64Chars++
		}
	}
	return float64(base64Chars)/float64(len([]rune(s))) > 0.9
}

// SanitizeErrorMessage scrubs a provider or internal error message before
// it reaches a log line or an API response, so neither inline file
// contents nor unbounded provider payloads leak out. Callers should route
// every error string that may echo request or upstream body content
// through this before logging it.
func SanitizeErrorMessage(msg string) string {
	if mightContainImageData(msg) {
		return "image processing error (see logs for details)"
	}
	if len(msg) > maxErrorMessageLen {
		return msg[:truncatedErrorMessageLen] + "...(truncated)"
	}
	return msg
}
