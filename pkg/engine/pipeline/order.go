package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ErrInvalidOrder is returned by LoadOrder for an unsupported file or a malformed order.
var ErrInvalidOrder = eris.New("invalid system order")

type orderFile struct {
	Systems []string `yaml:"systems" json:"systems"`
}

// LoadOrder reads a system order file. The format is picked from the extension: .yaml and .yml
// are YAML, .json is JSON. Both hold a single "systems" list of ids.
func LoadOrder(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read system order %s", path)
	}

	var file orderFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, eris.Wrapf(ErrInvalidOrder, "unsupported file extension %q", ext)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse system order %s", path)
	}

	if err := validateOrder(file.Systems); err != nil {
		return nil, eris.Wrapf(err, "system order %s", path)
	}
	return file.Systems, nil
}

func validateOrder(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if id == "" {
			return eris.Wrapf(ErrInvalidOrder, "empty id at position %d", i)
		}
		if _, ok := seen[id]; ok {
			return eris.Wrapf(ErrInvalidOrder, "duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
