package grammar

import (
	"fmt"
	"strings"
)

const (
	TypePerson  = "person"
	TypeDay     = "day"
	TypeTime    = "time"
	TypeBoolean = "boolean"
)

var people = map[string]string{
	"vlad":      "Vladislav Maraev",
	"vladislav": "Vladislav Maraev",
	"bora":      "Bora Kara",
}

var days = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

var hourWords = map[int]string{
	8:  "eight",
	9:  "nine",
	10: "ten",
	11: "eleven",
	12: "twelve",
	13: "one",
	14: "two",
	15: "three",
	16: "four",
	17: "five",
	18: "six",
}

var affirmative = []string{"yes", "yeah", "yep", "sure", "of course", "absolutely", "yes please", "that's right", "correct"}

var negative = []string{"no", "nope", "nah", "no way", "no thanks", "not really", "no thank you"}

// Default returns the built-in appointment grammar.
func Default() *Table {
	entries := make(map[string]Entry)
	for keyword, name := range people {
		entries[keyword] = Entry{Person: name, Type: TypePerson}
	}
	for _, day := range days {
		entries[strings.ToLower(day)] = Entry{Day: day, Type: TypeDay}
	}
	for hour, word := range hourWords {
		clock := fmt.Sprintf("%02d:00", hour)
		entry := Entry{Time: clock, Type: TypeTime}
		for _, form := range []string{
			word,
			"at " + word,
			word + " o'clock",
			fmt.Sprintf("%d", hour),
			fmt.Sprintf("at %d", hour),
			clock,
			fmt.Sprintf("%d:00", hour),
		} {
			entries[form] = entry
		}
	}
	for _, keyword := range affirmative {
		entries[keyword] = Entry{Value: boolPtr(true), Type: TypeBoolean}
	}
	for _, keyword := range negative {
		entries[keyword] = Entry{Value: boolPtr(false), Type: TypeBoolean}
	}

	table, err := New(entries)
	if err != nil {
		panic(fmt.Sprintf("grammar: invalid built-in table: %v", err))
	}
	return table
}

func boolPtr(v bool) *bool { return &v }
