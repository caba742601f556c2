package strutil

import (
	"strings"
	"unsafe"
)

// Convert []byte to string without alloc.
//
// The string shares memory with b, modifying b afterwards is reflected on the string.
func UnsafeByt2Str(b []byte) string {
	if len(b) < 1 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// Convert string to []byte without alloc.
//
// The returned []byte must not be modified.
func UnsafeStr2Byt(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// Check if the string is blank
func IsBlankStr(s string) bool {
	return s == "" || strings.TrimSpace(s) == ""
}

func Spaces(count int) string {
	if count < 1 {
		return ""
	}
	return strings.Repeat(" ", count)
}

// Pad s with spaces on the right until it's at least width bytes long.
func PadSpace(s string, width int) string {
	return s + Spaces(width-len(s))
}

// Return the first non-blank string.
func OrElse(s string, alt ...string) string {
	if !IsBlankStr(s) {
		return s
	}
	for _, a := range alt {
		if !IsBlankStr(a) {
			return a
		}
	}
	return s
}
