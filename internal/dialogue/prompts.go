package dialogue

import (
	"fmt"
	"strings"
)

const (
	promptStart      = "Let's create an appointment."
	promptPerson     = "Who are you meeting with?"
	retryPerson      = "I didn't catch the name. Who are you meeting with?"
	promptDay        = "On which day is your meeting?"
	retryDay         = "I didn't catch the day. On which day is your meeting?"
	promptWholeDay   = "Will it take the whole day?"
	retryWholeDay    = "Sorry, please answer yes or no. Will it take the whole day?"
	promptTime       = "What time is your meeting?"
	retryTime        = "I didn't catch the time. What time is your meeting?"
	retryConfirm     = "Sorry, please answer yes or no."
	apologyNoInput   = "I can't hear you!"
	messageCompleted = "Your appointment has been created!"
)

func choose(c Context, first, retry string) string {
	if c.Retrying() {
		return retry
	}
	return first
}

// summary renders the slots collected so far, e.g.
// "Meeting with Bora Kara on Monday at 10:00".
func summary(d Details) string {
	var b strings.Builder
	b.WriteString("Meeting")
	if d.Person != "" {
		fmt.Fprintf(&b, " with %s", d.Person)
	}
	if d.Day != "" {
		fmt.Fprintf(&b, " on %s", d.Day)
	}
	switch {
	case d.WholeDay == nil:
	case *d.WholeDay:
		b.WriteString(" for the whole day")
	case d.Time != "":
		fmt.Fprintf(&b, " at %s", d.Time)
	default:
		b.WriteString(", not for the whole day")
	}
	return b.String() + "."
}

func confirmWholeDay(c Context) string {
	q := fmt.Sprintf("Do you want me to create an appointment with %s on %s for the whole day?", c.Details.Person, c.Details.Day)
	if c.Retrying() {
		return retryConfirm + " " + q
	}
	return q
}

func confirmWithTime(c Context) string {
	q := fmt.Sprintf("Do you want me to create an appointment with %s on %s at %s?", c.Details.Person, c.Details.Day, c.Details.Time)
	if c.Retrying() {
		return retryConfirm + " " + q
	}
	return q
}
