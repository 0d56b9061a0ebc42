package grammar

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidKeyword is returned when a keyword is blank or not lowercase.
var ErrInvalidKeyword = errors.New("invalid grammar keyword")

// ErrInvalidTime is returned when an entry's time is not a 24-hour HH:MM.
var ErrInvalidTime = errors.New("invalid grammar time")

// Entry is the slot update associated with a recognised keyword.
type Entry struct {
	Person string `json:"person,omitempty" yaml:"person,omitempty"`
	Day    string `json:"day,omitempty" yaml:"day,omitempty"`
	Time   string `json:"time,omitempty" yaml:"time,omitempty"`
	Value  *bool  `json:"value,omitempty" yaml:"value,omitempty"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Empty reports whether the entry carries no slot value.
func (e Entry) Empty() bool {
	return e.Person == "" && e.Day == "" && e.Time == "" && e.Value == nil
}

func (e Entry) clone() Entry {
	if e.Value != nil {
		v := *e.Value
		e.Value = &v
	}
	return e
}

// Table maps lowercase keywords to entries. It is immutable once built.
type Table struct {
	entries map[string]Entry
}

// New builds a table from the given entries. Keys must be lowercase, every
// entry must set at least one slot and times must be zero-padded HH:MM.
func New(entries map[string]Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for keyword, entry := range entries {
		if strings.TrimSpace(keyword) == "" || keyword != strings.ToLower(keyword) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKeyword, keyword)
		}
		if entry.Empty() {
			return nil, fmt.Errorf("keyword %q has no slot value", keyword)
		}
		if entry.Time != "" && !validTime(entry.Time) {
			return nil, fmt.Errorf("%w: keyword %q has time %q, want HH:MM", ErrInvalidTime, keyword, entry.Time)
		}
		t.entries[keyword] = entry.clone()
	}
	return t, nil
}

func validTime(v string) bool {
	if len(v) != len("15:04") {
		return false
	}
	_, err := time.Parse("15:04", v)
	return err == nil
}

// Lookup returns the entry whose keyword exactly matches the lowercased
// utterance, or the zero Entry when nothing matches.
func (t *Table) Lookup(utterance string) Entry {
	if t == nil {
		return Entry{}
	}
	entry, ok := t.entries[strings.ToLower(utterance)]
	if !ok {
		return Entry{}
	}
	return entry.clone()
}

// Keywords returns all keywords in sorted order.
func (t *Table) Keywords() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keywords.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
