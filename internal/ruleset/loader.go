package ruleset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML form of a ruleset.
type File struct {
	Version        string `yaml:"version"`
	PrimaryRules   []Rule `yaml:"rules"`
	SecondaryRules []Rule `yaml:"secondary_rules"`
}

// Load reads and compiles a ruleset file. The returned snapshot is ready to
// swap into a Provider.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Parse(data)
}

// Parse compiles a YAML ruleset document.
func Parse(data []byte) (*Snapshot, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	snap, err := Compile(file.Version, file.PrimaryRules, file.SecondaryRules)
	if err != nil {
		return nil, fmt.Errorf("compile ruleset %q: %w", file.Version, err)
	}
	return snap, nil
}
