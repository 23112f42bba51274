package schema

import (
	"reflect"
	"testing"
)

func TestUpgradeWrapsBarePropertyMap(t *testing.T) {
	legacy := map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer"},
	}
	up := UpgradeToolSchema(legacy)
	if up["type"] != "object" {
		t.Fatalf("expected object type, got %v", up["type"])
	}
	props, ok := up["properties"].(map[string]any)
	if !ok || len(props) != 2 {
		t.Fatalf("expected wrapped properties, got %v", up["properties"])
	}
	if _, ok := props["name"]; !ok {
		t.Fatalf("bare properties must survive the wrap: %v", props)
	}
}

func TestUpgradeMaterializesPropertiesKey(t *testing.T) {
	up := UpgradeToolSchema(map[string]any{"type": "object"})
	props, ok := up["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties key, got %v", up)
	}
	if len(props) != 0 {
		t.Fatalf("expected empty properties, got %v", props)
	}
}

func TestUpgradeIdempotent(t *testing.T) {
	modern := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{"type": "string"},
		},
		"required": []any{"q"},
	}
	once := UpgradeToolSchema(modern)
	if !reflect.DeepEqual(once, modern) {
		t.Fatalf("modern schema must pass through unchanged: %v", once)
	}
	twice := UpgradeToolSchema(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("upgrade must be idempotent: %v vs %v", once, twice)
	}
}

func TestUpgradePreservesUnknownKeys(t *testing.T) {
	up := UpgradeToolSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"x-vendor":   "keep-me",
	})
	if up["x-vendor"] != "keep-me" {
		t.Fatalf("unknown keys must be preserved, got %v", up)
	}
}

func TestUpgradeAlwaysYieldsProperties(t *testing.T) {
	cases := []map[string]any{
		nil,
		{},
		{"type": "object"},
		{"required": []any{"x"}},
		{"name": map[string]any{"type": "string"}},
	}
	for i, in := range cases {
		up := UpgradeToolSchema(in)
		if _, ok := up["properties"]; !ok {
			t.Fatalf("case %d: upgraded schema missing properties key: %v", i, up)
		}
		if up["type"] != "object" {
			t.Fatalf("case %d: upgraded schema missing object type: %v", i, up)
		}
	}
}
