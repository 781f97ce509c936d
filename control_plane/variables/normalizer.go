package variables

import (
	"context"

	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/store"
)

// Normalizer turns the loose runtime variable bag of a trigger payload
// into the canvas-aligned []WorkflowVariable shape.
type Normalizer struct {
	store store.Store
}

func NewNormalizer(st store.Store) *Normalizer {
	return &Normalizer{store: st}
}

// Normalize converts each runtime entry into values per its capability:
// storage keys become resources, tagged objects pass through, everything
// else is stringified. The result is then merged against the canvas
// declarations: declarations win on variableId and variableType, the
// runtime payload wins on value, unnamed runtime entries are dropped.
func (n *Normalizer) Normalize(ctx context.Context, uid string, runtime map[string]any, declared []WorkflowVariable) ([]WorkflowVariable, error) {
	normalized := make(map[string][]VariableValue, len(runtime))
	for name, raw := range runtime {
		if name == "" {
			continue
		}
		values, err := n.normalizeValue(ctx, uid, raw)
		if err != nil {
			return nil, err
		}
		normalized[name] = values
	}

	merged := make([]WorkflowVariable, 0, len(declared))
	for _, decl := range declared {
		v := decl
		if values, ok := normalized[decl.Name]; ok {
			v.Value = values
			delete(normalized, decl.Name)
		}
		merged = append(merged, v)
	}
	return merged, nil
}

func (n *Normalizer) normalizeValue(ctx context.Context, uid string, raw any) ([]VariableValue, error) {
	// Storage keys (single or a uniform string array) become resources.
	if keys, ok := storageKeysOf(uid, raw); ok {
		return n.resolveResources(ctx, uid, keys)
	}

	// Tagged objects pass through as VariableValues.
	if arr, ok := raw.([]any); ok && allTagged(arr) {
		out := make([]VariableValue, 0, len(arr))
		for _, el := range arr {
			out = append(out, taggedValue(el.(map[string]any)))
		}
		return out, nil
	}
	if obj, ok := raw.(map[string]any); ok {
		if _, tagged := obj["type"].(string); tagged {
			return []VariableValue{taggedValue(obj)}, nil
		}
	}

	return []VariableValue{{Type: TypeText, Text: Stringify(raw)}}, nil
}

// storageKeysOf reports whether raw is one storage key or an array where
// every element is one, under the caller's openapi namespace.
func storageKeysOf(uid string, raw any) ([]string, bool) {
	switch val := raw.(type) {
	case string:
		if ids.IsUserStorageKey(uid, val) {
			return []string{val}, true
		}
	case []any:
		if len(val) == 0 {
			return nil, false
		}
		keys := make([]string, 0, len(val))
		for _, el := range val {
			s, ok := el.(string)
			if !ok || !ids.IsUserStorageKey(uid, s) {
				return nil, false
			}
			keys = append(keys, s)
		}
		return keys, true
	}
	return nil, false
}

func allTagged(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return false
		}
		if _, tagged := obj["type"].(string); !tagged {
			return false
		}
	}
	return true
}

func taggedValue(obj map[string]any) VariableValue {
	v := VariableValue{}
	v.Type, _ = obj["type"].(string)
	v.Text, _ = obj["text"].(string)
	if res, ok := obj["resource"].(map[string]any); ok {
		r := &Resource{}
		r.Name, _ = res["name"].(string)
		r.FileType, _ = res["fileType"].(string)
		r.StorageKey, _ = res["storageKey"].(string)
		v.Resource = r
	}
	return v
}

// resolveResources loads StaticFile rows to fill name and fileType.
// Keys without a matching row still produce a resource value; the
// downstream engine surfaces the missing file.
func (n *Normalizer) resolveResources(ctx context.Context, uid string, keys []string) ([]VariableValue, error) {
	files, err := n.store.GetStaticFilesByStorageKeys(ctx, uid, keys)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*store.StaticFile, len(files))
	for _, f := range files {
		byKey[f.StorageKey] = f
	}

	out := make([]VariableValue, 0, len(keys))
	for _, key := range keys {
		res := &Resource{StorageKey: key}
		if f, ok := byKey[key]; ok {
			res.Name = f.OriginalName
			res.FileType = FileTypeOf(f.ContentType)
		}
		out = append(out, VariableValue{Type: TypeResource, Resource: res})
	}
	return out, nil
}
