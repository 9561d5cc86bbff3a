package config

// deepMerge returns a new mapping holding base overlaid with overlay.
// Nested mappings merge key by key; any other overlay value replaces the
// base value. Neither input is modified.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for key, value := range base {
		out[key] = deepCopy(value)
	}

	for key, value := range overlay {
		overlayMap, overlayIsMap := value.(map[string]interface{})
		baseMap, baseIsMap := out[key].(map[string]interface{})
		if overlayIsMap && baseIsMap {
			out[key] = deepMerge(baseMap, overlayMap)
			continue
		}
		out[key] = deepCopy(value)
	}

	return out
}

func deepCopy(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			out[key] = deepCopy(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, value := range typed {
			out[i] = deepCopy(value)
		}
		return out
	default:
		return v
	}
}
