package wire

// Field resolution helpers. Every logical field may appear nested under the
// payload's "data" object (the current wire shape) or flat at the root (the
// legacy shape). Resolution order is always data first, then root; the first
// non-nil value wins.

// nested returns the payload's "data" object, if it is an object.
func nested(raw map[string]any) map[string]any {
	if data, ok := raw["data"].(map[string]any); ok {
		return data
	}
	return nil
}

// pick resolves a logical field: data.key first, then root key.
func pick(data, root map[string]any, key string) (any, bool) {
	if data != nil {
		if v, ok := data[key]; ok && v != nil {
			return v, true
		}
	}
	if root != nil {
		if v, ok := root[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// pickFirst resolves the first present field among several historical names.
func pickFirst(data, root map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := pick(data, root, key); ok {
			return v, true
		}
	}
	return nil, false
}

func pickString(data, root map[string]any, keys ...string) string {
	if v, ok := pickFirst(data, root, keys...); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func pickBool(data, root map[string]any, keys ...string) bool {
	if v, ok := pickFirst(data, root, keys...); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// pickInt accepts any JSON number representation.
func pickInt(data, root map[string]any, keys ...string) (int, bool) {
	if v, ok := pickFirst(data, root, keys...); ok {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		}
	}
	return 0, false
}

func pickFloat(data, root map[string]any, keys ...string) (float64, bool) {
	if v, ok := pickFirst(data, root, keys...); ok {
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

func pickMap(data, root map[string]any, keys ...string) map[string]any {
	if v, ok := pickFirst(data, root, keys...); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func pickSlice(data, root map[string]any, keys ...string) []any {
	if v, ok := pickFirst(data, root, keys...); ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}

// pickStringSlice tolerates non-string members by skipping them.
func pickStringSlice(data, root map[string]any, keys ...string) []string {
	raw := pickSlice(data, root, keys...)
	if raw == nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringOf reads a string field from an already-resolved object.
func stringOf(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intOf(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func floatOf(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
