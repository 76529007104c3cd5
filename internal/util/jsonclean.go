package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// StripCodeFences removes a surrounding markdown code fence such as
// ```json ... ``` from model output.
func StripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)

	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// CleanJSON parses model output as JSON. It tolerates code fences and JSON5
// syntax (comments, trailing commas, single quotes, unquoted keys) and
// returns the decoded value together with its canonical JSON encoding.
func CleanJSON(text string) (string, any, error) {
	body := StripCodeFences(text)
	if body == "" {
		return "", nil, fmt.Errorf("empty JSON output")
	}

	var value any
	if err := json5.Unmarshal([]byte(body), &value); err != nil {
		return "", nil, fmt.Errorf("invalid JSON output: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", nil, fmt.Errorf("encode JSON output: %w", err)
	}

	return strings.TrimSuffix(buf.String(), "\n"), value, nil
}
