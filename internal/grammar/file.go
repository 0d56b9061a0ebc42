package grammar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk grammar format.
type File struct {
	Entries map[string]Entry `yaml:"entries"`
}

// Load reads a grammar file and builds its table.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grammar file: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from yaml grammar data.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse grammar file: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("grammar file declares no entries")
	}
	return New(f.Entries)
}

// LoadOrDefault loads path, falling back to the built-in table when path is empty.
func LoadOrDefault(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Marshal renders the table in the file format.
func (t *Table) Marshal() ([]byte, error) {
	f := File{Entries: make(map[string]Entry, t.Len())}
	for _, k := range t.Keywords() {
		f.Entries[k] = t.entries[k]
	}
	return yaml.Marshal(f)
}
