package textutil

import "strings"

// NormalizeDetails converts courier-supplied string attributes into event details. Keys are trimmed
// and lower-cased, empty keys and values are dropped, and at most maxEntries entries are kept.
func NormalizeDetails(values map[string]string, maxEntries int, sanitize func(string) string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	result := make(map[string]any, len(values))
	for key, value := range values {
		if maxEntries > 0 && len(result) >= maxEntries {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = sanitize(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
