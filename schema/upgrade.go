package schema

// UpgradeToolSchema normalizes a legacy tool schema document into the modern
// object envelope. Bare property maps ({"name": {"type": "string"}}) are
// wrapped under a properties key, a missing type defaults to "object", and a
// missing properties key is materialized as an empty map. Keys outside the
// subset are preserved untouched, and modern documents pass through
// unchanged, so the call is idempotent.
func UpgradeToolSchema(legacy map[string]any) map[string]any {
	if isBarePropertyMap(legacy) {
		props := make(map[string]any, len(legacy))
		for k, v := range legacy {
			props[k] = v
		}
		return map[string]any{"type": "object", "properties": props}
	}
	out := make(map[string]any, len(legacy)+2)
	for k, v := range legacy {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

// isBarePropertyMap reports whether the document looks like a raw property
// map: no envelope keys and every value is itself an object.
func isBarePropertyMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	if _, ok := m["type"]; ok {
		return false
	}
	if _, ok := m["properties"]; ok {
		return false
	}
	for _, v := range m {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}
