package dialogue

import "github.com/loqalabs/loqa-dialogue/internal/grammar"

// Details holds the appointment slots collected so far.
type Details struct {
	Person   string `json:"person,omitempty"`
	Day      string `json:"day,omitempty"`
	WholeDay *bool  `json:"whole_day,omitempty"`
	Time     string `json:"time,omitempty"`
}

// IsWholeDay reports whether the whole-day slot is filled with true.
func (d Details) IsWholeDay() bool {
	return d.WholeDay != nil && *d.WholeDay
}

// Complete reports whether every slot required for confirmation is filled.
func (d Details) Complete() bool {
	if d.Person == "" || d.Day == "" || d.WholeDay == nil {
		return false
	}
	return *d.WholeDay || d.Time != ""
}

func (d Details) clone() Details {
	if d.WholeDay != nil {
		v := *d.WholeDay
		d.WholeDay = &v
	}
	return d
}

// Context is the data owned by one machine instance.
type Context struct {
	LastResult []Hypothesis  `json:"last_result,omitempty"`
	Metadata   grammar.Entry `json:"metadata"`
	Details    Details       `json:"appointment_details"`
}

// Retrying reports whether the last recognition attempt produced a result
// that was not accepted.
func (c Context) Retrying() bool {
	return len(c.LastResult) > 0
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := Context{Details: c.Details.clone(), Metadata: c.Metadata}
	if c.Metadata.Value != nil {
		v := *c.Metadata.Value
		out.Metadata.Value = &v
	}
	if c.LastResult != nil {
		out.LastResult = append([]Hypothesis(nil), c.LastResult...)
	}
	return out
}

func (c *Context) clearData() {
	c.LastResult = nil
	c.Metadata = grammar.Entry{}
}
