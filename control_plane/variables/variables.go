// Package variables merges runtime trigger payloads with the variables a
// canvas declares, resolving uploaded-file storage keys into typed
// resource values.
package variables

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Variable value types.
const (
	TypeText     = "text"
	TypeResource = "resource"
)

// Resource describes one uploaded file referenced by a variable.
type Resource struct {
	Name       string `json:"name"`
	FileType   string `json:"fileType"`
	StorageKey string `json:"storageKey"`
}

// VariableValue is one tagged value inside a workflow variable.
type VariableValue struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Resource *Resource `json:"resource,omitempty"`
}

// WorkflowVariable mirrors the canvas-declared variable shape.
type WorkflowVariable struct {
	VariableID   string          `json:"variableId,omitempty"`
	Name         string          `json:"name"`
	VariableType string          `json:"variableType,omitempty"`
	Value        []VariableValue `json:"value"`
}

// FileTypeOf buckets a MIME type into the four categories the canvas
// editor distinguishes.
func FileTypeOf(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// Stringify renders an arbitrary runtime value the way a text variable
// expects: objects as JSON, primitives via their natural form, nil as "".
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; keep integers unadorned.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
