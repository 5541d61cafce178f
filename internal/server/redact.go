package server

import (
	"net/http"
	"strings"
)

// Redacted is the placeholder written in place of sensitive values.
const Redacted = "[redacted]"

// Sensitive header and body fields. These must never appear verbatim in any
// log record, including error-path logs.
var (
	redactedHeaders = map[string]bool{
		"cookie":          true,
		"set-cookie":      true,
		"authorization":   true,
		"x-api-key":       true,
		"x-forwarded-for": true,
		"x-real-ip":       true,
		"forwarded":       true,
	}
	redactedBodyKeys = map[string]bool{
		"prompt":   true,
		"messages": true,
	}
)

// RedactHeaders flattens headers to a loggable map with sensitive values
// replaced.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if redactedHeaders[strings.ToLower(name)] {
			out[name] = Redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// RedactBody returns a shallow copy of a parsed body with sensitive keys
// replaced. Nil in, nil out.
func RedactBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if redactedBodyKeys[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}
