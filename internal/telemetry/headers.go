package telemetry

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseHeaders parses an OTEL_EXPORTER_OTLP_HEADERS value of the form
// "k1=v1,k2=v2". Keys and values are trimmed; values may be URL-encoded.
// Empty entries are skipped.
func ParseHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("telemetry: header %q: missing '='", entry)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("telemetry: header %q: empty key", entry)
		}
		decoded, err := url.QueryUnescape(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("telemetry: header %q: %w", k, err)
		}
		headers[k] = decoded
	}
	return headers, nil
}
