package dialogue

// guard is a pure predicate over a context snapshot and the triggering event.
type guard func(Context, Event) bool

func hasPerson(c Context, _ Event) bool { return c.Metadata.Person != "" }

func hasDay(c Context, _ Event) bool { return c.Metadata.Day != "" }

func hasWholeDay(c Context, _ Event) bool { return c.Metadata.Value != nil }

func hasTime(c Context, _ Event) bool { return c.Metadata.Time != "" }

func confirmed(c Context, _ Event) bool {
	return c.Metadata.Value != nil && *c.Metadata.Value
}

func denied(c Context, _ Event) bool {
	return c.Metadata.Value != nil && !*c.Metadata.Value
}

func isWholeDay(c Context, _ Event) bool { return c.Details.IsWholeDay() }

func missingPerson(c Context, _ Event) bool { return c.Details.Person == "" }

func missingDay(c Context, _ Event) bool { return c.Details.Day == "" }

func missingWholeDay(c Context, _ Event) bool { return c.Details.WholeDay == nil }

func missingTime(c Context, _ Event) bool {
	return c.Details.WholeDay != nil && !*c.Details.WholeDay && c.Details.Time == ""
}
