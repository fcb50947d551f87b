package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError means generated text did not contain the expected JSON object.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse generated payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON decodes the JSON object in text. A fenced ```json block (or a bare
// ``` block) is preferred; without a fence the whole text is the payload.
func ExtractJSON(text string) (map[string]any, error) {
	payload := strings.TrimSpace(fenced(text))
	if payload == "" {
		return nil, &ParseError{Raw: text, Err: fmt.Errorf("empty payload")}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, &ParseError{Raw: text, Err: err}
	}
	if out == nil {
		return nil, &ParseError{Raw: text, Err: fmt.Errorf("payload is not an object")}
	}
	return out, nil
}

func fenced(text string) string {
	for _, marker := range []string{"```json", "```JSON", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		body := text[start+len(marker):]
		if marker == "```" {
			// Skip an info string such as ```javascript.
			if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
				body = body[nl+1:]
			}
		}
		end := strings.Index(body, "```")
		if end < 0 {
			return body
		}
		return body[:end]
	}
	return text
}
