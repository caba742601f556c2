package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/curtisnewbie/shopbus/encoding/json"
	"github.com/spf13/cast"
)

const Redacted = "***REDACTED***"

var (
	sensitiveKeyRegex = regexp.MustCompile(`(?i)(pass(word)?|token|otp|secret|authorization|cookie|set-cookie)`)
	authSchemeRegex   = regexp.MustCompile(`(?i)^(Basic|Bearer)\s+.+$`)
)

// Check whether the field name is considered sensitive, e.g., 'password', 'accessToken', 'Set-Cookie'.
func IsSensitiveKey(k string) bool {
	return sensitiveKeyRegex.MatchString(k)
}

/*
Redact sensitive fields recursively.

v is expected to be decoded json (map[string]any, []any or primitives), other values are first
converted through json. Values of sensitive fields are replaced with '***REDACTED***', except that
'Authorization' keeps the scheme, e.g., 'Bearer ***REDACTED***'.

The original value is not modified.
*/
func Redact(v any) any {
	return redact(toGeneric(v), "")
}

func redact(v any, key string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, fv := range t {
			if IsSensitiveKey(k) {
				if strings.EqualFold(k, "authorization") {
					out[k] = maskAuthorization(fv)
				} else {
					out[k] = Redacted
				}
				continue
			}
			out[k] = redact(fv, k)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = redact(t[i], "")
		}
		return out
	}
	if key != "" && strings.EqualFold(key, "authorization") {
		return maskAuthorization(v)
	}
	return v
}

func maskAuthorization(v any) string {
	s, err := cast.ToStringE(v)
	if err != nil {
		return Redacted
	}
	if m := authSchemeRegex.FindStringSubmatch(s); m != nil {
		return m[1] + " " + Redacted
	}
	return Redacted
}

// Convert v to decoded json form, v is returned as is if it's already decoded or it cannot be converted.
func toGeneric(v any) any {
	switch t := v.(type) {
	case nil, map[string]any, []any, string, bool, float64, int, int64:
		return v
	case json.RawMessage:
		return parseGeneric(t, v)
	case []byte:
		return parseGeneric(t, v)
	}
	b, err := json.WriteJson(v)
	if err != nil {
		return v
	}
	return parseGeneric(b, v)
}

func parseGeneric(b []byte, fallback any) any {
	var g any
	if err := json.ParseJson(b, &g); err != nil {
		return fallback
	}
	return g
}

// Hashes of the notification target, empty fields are omitted.
type Target struct {
	EmailHash string `json:"emailHash,omitempty"`
	PhoneHash string `json:"phoneHash,omitempty"`
}

/*
Hash email and phone with the salt.

Email is trimmed and lowercased, only digits of the phone are kept. The hashes are in the form of 'sha256:<hex>'.
*/
func HashTarget(email string, phone string, salt string) Target {
	var t Target
	if email != "" {
		t.EmailHash = saltedHash(salt, strings.ToLower(strings.TrimSpace(email)))
	}
	if phone != "" {
		t.PhoneHash = saltedHash(salt, strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, phone))
	}
	return t
}

func saltedHash(salt string, s string) string {
	h := sha256.Sum256([]byte(salt + s))
	return "sha256:" + hex.EncodeToString(h[:])
}

// Summary of a payload, the payload itself is not kept.
type Summary struct {
	Bytes  int
	Hash   string
	Fields []string // top-level field names, sorted
}

// Summarize redacted payload, nil is returned if v is nil.
func Summarize(v any, salt string) *Summary {
	if v == nil {
		return nil
	}
	r := Redact(v)
	b, err := json.WriteJsonSorted(r)
	if err != nil {
		return nil
	}
	fields := []string{}
	if m, ok := r.(map[string]any); ok {
		for k := range m {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}
	return &Summary{
		Bytes:  len(b),
		Hash:   saltedHash(salt, string(b)),
		Fields: fields,
	}
}
