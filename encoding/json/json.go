package json

import (
	"strings"
	"unicode"

	"github.com/curtisnewbie/shopbus/util/strutil"
	jsoniter "github.com/json-iterator/go"
)

var (
	config                  = jsoniter.Config{EscapeHTML: true}.Froze()
	sortedConfig            = jsoniter.Config{EscapeHTML: true, SortMapKeys: true}.Froze()
	NamingStrategyTranslate = LowercaseNamingStrategy
)

func init() {
	config.RegisterExtension(&namingStrategyExtension{jsoniter.DummyExtension{}})
	sortedConfig.RegisterExtension(&namingStrategyExtension{jsoniter.DummyExtension{}})
}

// Raw json message, bytes are written and parsed as is.
type RawMessage = jsoniter.RawMessage

// Parse json bytes.
func ParseJson(body []byte, ptr any) error {
	return config.Unmarshal(body, ptr)
}

// Parse json bytes.
func ParseJsonAs[T any](body []byte) (T, error) {
	var t T
	return t, ParseJson(body, &t)
}

// Write json as bytes.
//
// []byte and RawMessage are treated as already encoded json, they are only validated.
func WriteJson(body any) ([]byte, error) {
	switch v := body.(type) {
	case RawMessage:
		return rawJson(v)
	case []byte:
		return rawJson(v)
	}
	return config.Marshal(body)
}

// Write json as bytes with map keys sorted, the output is stable for the same value.
func WriteJsonSorted(body any) ([]byte, error) {
	return sortedConfig.Marshal(body)
}

func rawJson(b []byte) ([]byte, error) {
	if !IsValidJson(b) {
		return nil, errInvalidJson
	}
	return b, nil
}

// Write json as string.
func SWriteJson(body any) (string, error) {
	if v, ok := body.(string); ok {
		return v, nil
	}
	buf, err := WriteJson(body)
	if err != nil {
		return "", err
	}
	return strutil.UnsafeByt2Str(buf), nil
}

// Write json as string, empty string is returned if body cannot be serialized.
func TrySWriteJson(body any) string {
	s, err := SWriteJson(body)
	if err != nil {
		return ""
	}
	return s
}

func IsValidJson(s []byte) bool {
	return len(s) > 0 && config.Valid(s)
}

// Change first rune to lower case.
func LowercaseNamingStrategy(name string) string {
	ru := []rune(name)
	if len(ru) < 1 {
		return name
	}
	ru[0] = unicode.ToLower(ru[0])
	return string(ru)
}

type namingStrategyExtension struct {
	jsoniter.DummyExtension
}

func (extension *namingStrategyExtension) UpdateStructDescriptor(structDescriptor *jsoniter.StructDescriptor) {
	for _, binding := range structDescriptor.Fields {
		if unicode.IsLower(rune(binding.Field.Name()[0])) || binding.Field.Name()[0] == '_' {
			continue
		}
		tag, hastag := binding.Field.Tag().Lookup("json")
		if hastag {
			tagParts := strings.Split(tag, ",")
			if tagParts[0] == "-" {
				continue // hidden field
			}
			if tagParts[0] != "" {
				continue // field explicitly named
			}
		}
		binding.ToNames = []string{NamingStrategyTranslate(binding.Field.Name())}
		binding.FromNames = []string{NamingStrategyTranslate(binding.Field.Name())}
	}
}

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

const errInvalidJson jsonErr = "invalid json"
