package flow

// Helpers for reading loosely typed backend JSON.

func dig(v any, keys ...string) any {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func digString(v any, keys ...string) string {
	s, _ := dig(v, keys...).(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// operationName reads operation.name, falling back to a top-level name.
func operationName(item map[string]any) string {
	if name := digString(item, "operation", "name"); name != "" {
		return name
	}
	return digString(item, "name")
}
