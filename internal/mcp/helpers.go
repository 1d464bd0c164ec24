package mcpserver

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

func boolPtr(v bool) *bool { return &v }

// marshalIndent serializes a value to indented JSON.
func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	return data, errors.Wrap(err, "marshal result")
}

// toParams converts an event payload into notification params.
// Payloads that are not JSON objects are wrapped under "data".
func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": v}, nil
	}
	return params, nil
}
