package workflow

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const maxWorkflowFileSize = 1024 * 1024 // 1MB

// Parse decodes a YAML (or JSON) workflow document, applies defaults and
// validates it. Unknown fields are rejected so typos surface at load time.
func Parse(data []byte) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &InvalidWorkflowError{Reason: "empty workflow document"}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, &InvalidWorkflowError{Reason: fmt.Sprintf("decode: %v", err)}
	}

	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat workflow file: %w", err)
	}
	if info.Size() > maxWorkflowFileSize {
		return nil, fmt.Errorf("workflow file too large: %d bytes (max %d)", info.Size(), maxWorkflowFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}

	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}
