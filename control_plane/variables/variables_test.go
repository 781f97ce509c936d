package variables

import (
	"context"
	"testing"

	"github.com/reflyai/triggerplane/control_plane/ids"
	"github.com/reflyai/triggerplane/control_plane/store"
)

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"hello", "hello"},
		{true, "true"},
		{false, "false"},
		{float64(42), "42"},
		{float64(3.5), "3.5"},
		{map[string]any{"a": 1}, `{"a":1}`},
		{[]any{"x", float64(2)}, `["x",2]`},
	}
	for _, c := range cases {
		if got := Stringify(c.in); got != c.want {
			t.Errorf("Stringify(%v): expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestFileTypeOf(t *testing.T) {
	cases := map[string]string{
		"image/png":       "image",
		"video/mp4":       "video",
		"audio/mpeg":      "audio",
		"application/pdf": "document",
		"text/plain":      "document",
		"":                "document",
	}
	for in, want := range cases {
		if got := FileTypeOf(in); got != want {
			t.Errorf("FileTypeOf(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeMergesDeclarations(t *testing.T) {
	n := NewNormalizer(store.NewMemoryStore())
	ctx := context.Background()

	declared := []WorkflowVariable{
		{VariableID: "v1", Name: "topic", VariableType: "string", Value: []VariableValue{{Type: TypeText, Text: "default"}}},
		{VariableID: "v2", Name: "count", VariableType: "number", Value: []VariableValue{{Type: TypeText, Text: "1"}}},
	}
	runtime := map[string]any{
		"topic": "go concurrency",
		"extra": "not declared",
	}

	merged, err := n.Normalize(ctx, "u1", runtime, declared)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	// Declarations set the shape; undeclared runtime entries are dropped.
	if len(merged) != 2 {
		t.Fatalf("Expected 2 variables, got %d", len(merged))
	}
	if merged[0].VariableID != "v1" || merged[0].Value[0].Text != "go concurrency" {
		t.Errorf("Expected runtime value under declared id, got %+v", merged[0])
	}
	if merged[1].Value[0].Text != "1" {
		t.Errorf("Expected untouched declaration to keep its default, got %+v", merged[1])
	}
}

func TestNormalizeEmptyRuntime(t *testing.T) {
	n := NewNormalizer(store.NewMemoryStore())

	merged, err := n.Normalize(context.Background(), "u1", nil, nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("Expected empty result, got %+v", merged)
	}
}

func TestNormalizeStringifiesPrimitives(t *testing.T) {
	n := NewNormalizer(store.NewMemoryStore())
	ctx := context.Background()

	declared := []WorkflowVariable{
		{Name: "flag"},
		{Name: "nested"},
	}
	runtime := map[string]any{
		"flag":   true,
		"nested": map[string]any{"k": "v"},
	}
	merged, err := n.Normalize(ctx, "u1", runtime, declared)
	if err != nil {
		t.Fatal(err)
	}
	if merged[0].Value[0].Text != "true" || merged[0].Value[0].Type != TypeText {
		t.Errorf("Expected bool stringified, got %+v", merged[0].Value)
	}
	if merged[1].Value[0].Text != `{"k":"v"}` {
		t.Errorf("Expected object serialized as JSON, got %+v", merged[1].Value)
	}
}

func TestNormalizeResolvesStorageKeys(t *testing.T) {
	st := store.NewMemoryStore()
	n := NewNormalizer(st)
	ctx := context.Background()

	key := ids.StorageKey("u1", "of_abcdef")
	st.PutStaticFile(&store.StaticFile{
		FileKey:      "of_abcdef",
		UID:          "u1",
		StorageKey:   key,
		OriginalName: "report.pdf",
		ContentType:  "application/pdf",
	})

	declared := []WorkflowVariable{{Name: "attachment"}}
	merged, err := n.Normalize(ctx, "u1", map[string]any{"attachment": key}, declared)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	val := merged[0].Value[0]
	if val.Type != TypeResource || val.Resource == nil {
		t.Fatalf("Expected resource value, got %+v", val)
	}
	if val.Resource.Name != "report.pdf" || val.Resource.FileType != "document" || val.Resource.StorageKey != key {
		t.Errorf("Resource not resolved: %+v", val.Resource)
	}
}

func TestNormalizeForeignStorageKeyIsText(t *testing.T) {
	n := NewNormalizer(store.NewMemoryStore())
	ctx := context.Background()

	// A key under someone else's namespace is not treated as a resource.
	foreign := ids.StorageKey("u2", "of_abcdef")
	declared := []WorkflowVariable{{Name: "attachment"}}
	merged, err := n.Normalize(ctx, "u1", map[string]any{"attachment": foreign}, declared)
	if err != nil {
		t.Fatal(err)
	}
	if merged[0].Value[0].Type != TypeText {
		t.Errorf("Expected foreign key as plain text, got %+v", merged[0].Value[0])
	}
}

func TestNormalizeStorageKeyArray(t *testing.T) {
	st := store.NewMemoryStore()
	n := NewNormalizer(st)
	ctx := context.Background()

	k1 := ids.StorageKey("u1", "of_one")
	k2 := ids.StorageKey("u1", "of_two")
	st.PutStaticFile(&store.StaticFile{UID: "u1", StorageKey: k1, OriginalName: "a.png", ContentType: "image/png"})
	// k2 has no row: it still becomes a bare resource.

	declared := []WorkflowVariable{{Name: "files"}}
	merged, err := n.Normalize(ctx, "u1", map[string]any{"files": []any{k1, k2}}, declared)
	if err != nil {
		t.Fatal(err)
	}
	vals := merged[0].Value
	if len(vals) != 2 {
		t.Fatalf("Expected 2 resource values, got %d", len(vals))
	}
	if vals[0].Resource.FileType != "image" || vals[0].Resource.Name != "a.png" {
		t.Errorf("Expected resolved resource, got %+v", vals[0].Resource)
	}
	if vals[1].Resource.StorageKey != k2 || vals[1].Resource.Name != "" {
		t.Errorf("Expected bare resource for unknown key, got %+v", vals[1].Resource)
	}
}

func TestNormalizeTaggedValuesPassThrough(t *testing.T) {
	n := NewNormalizer(store.NewMemoryStore())
	ctx := context.Background()

	declared := []WorkflowVariable{{Name: "v"}}
	runtime := map[string]any{
		"v": []any{
			map[string]any{"type": "text", "text": "one"},
			map[string]any{"type": "resource", "resource": map[string]any{
				"name": "b.mp4", "fileType": "video", "storageKey": "openapi/u1/of_b",
			}},
		},
	}
	merged, err := n.Normalize(ctx, "u1", runtime, declared)
	if err != nil {
		t.Fatal(err)
	}
	vals := merged[0].Value
	if len(vals) != 2 || vals[0].Text != "one" {
		t.Fatalf("Expected tagged values preserved, got %+v", vals)
	}
	if vals[1].Resource == nil || vals[1].Resource.FileType != "video" {
		t.Errorf("Expected resource tag preserved, got %+v", vals[1])
	}
}
