package dryrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// maxResponseFileSize bounds response files read into memory.
const maxResponseFileSize = 4 << 20

// LoadResponses reads a {step_id: response} map. The format follows the
// extension: .yaml/.yml, .json or .toml.
func LoadResponses(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("response file: %w", err)
	}
	if info.Size() > maxResponseFileSize {
		return nil, fmt.Errorf("response file %s exceeds %d bytes", path, maxResponseFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading response file: %w", err)
	}
	return ParseResponses(data, filepath.Ext(path))
}

// ParseResponses decodes response data in the format named by ext.
func ParseResponses(data []byte, ext string) (map[string]any, error) {
	out := map[string]any{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &out)
	case ".json":
		err = json.Unmarshal(data, &out)
	case ".toml":
		_, err = toml.Decode(string(data), &out)
	default:
		return nil, fmt.Errorf("unsupported response file format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s responses: %w", strings.TrimPrefix(ext, "."), err)
	}
	return out, nil
}
