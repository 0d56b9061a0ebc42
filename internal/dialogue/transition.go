package dialogue

import (
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/grammar"
)

type transition struct {
	target State
	guard  guard
}

// transitions holds the leaf-level handlers. Candidates are tried in order
// and the first whose guard passes (or has no guard) is taken.
var transitions = map[State]map[EventType][]transition{
	StatePrompt: {
		EventSpeakComplete: {{target: StatePromptPerson}},
	},
	StatePromptPerson: {
		EventSpeakComplete: {{target: StateAskPerson}},
	},
	StateAskPerson: {
		EventListenComplete: {
			{target: StatePersonIdentified, guard: hasPerson},
			{target: StatePromptPerson},
		},
	},
	StatePersonIdentified: {
		EventSpeakComplete: {{target: StatePromptDay}},
	},
	StatePromptDay: {
		EventSpeakComplete: {{target: StateAskDay}},
	},
	StateAskDay: {
		EventListenComplete: {
			{target: StateDayIdentified, guard: hasDay},
			{target: StatePromptDay},
		},
	},
	StateDayIdentified: {
		EventSpeakComplete: {{target: StatePromptWholeDay}},
	},
	StatePromptWholeDay: {
		EventSpeakComplete: {{target: StateAskWholeDay}},
	},
	StateAskWholeDay: {
		EventListenComplete: {
			{target: StateWholeDayIdentified, guard: hasWholeDay},
			{target: StatePromptWholeDay},
		},
	},
	StateWholeDayIdentified: {
		EventSpeakComplete: {
			{target: StatePromptCreateAppointmentWholeDay, guard: isWholeDay},
			{target: StatePromptTime},
		},
	},
	StatePromptTime: {
		EventSpeakComplete: {{target: StateAskTime}},
	},
	StateAskTime: {
		EventListenComplete: {
			{target: StateTimeIdentified, guard: hasTime},
			{target: StatePromptTime},
		},
	},
	StateTimeIdentified: {
		EventSpeakComplete: {{target: StatePromptCreateAppointmentWithTime}},
	},
	StatePromptCreateAppointmentWholeDay: {
		EventSpeakComplete: {{target: StateConfirmation}},
	},
	StatePromptCreateAppointmentWithTime: {
		EventSpeakComplete: {{target: StateConfirmation}},
	},
	StateConfirmation: {
		EventListenComplete: {
			{target: StateAppointmentDone, guard: confirmed},
			{target: StatePrompt, guard: denied},
			{target: StatePromptCreateAppointmentWholeDay, guard: isWholeDay},
			{target: StatePromptCreateAppointmentWithTime},
		},
	},
	StateNoInput: {
		EventSpeakComplete: {
			{target: StatePromptPerson, guard: missingPerson},
			{target: StatePromptDay, guard: missingDay},
			{target: StatePromptWholeDay, guard: missingWholeDay},
			{target: StatePromptTime, guard: missingTime},
			{target: StatePrompt},
		},
	},
	StateAppointmentDone: {
		EventSpeakComplete: {{target: StateDone}},
	},
	StateDone: {},
}

type entryFunc func(Context) (Context, []Action)

func speakEntry(text func(Context) string) entryFunc {
	return func(c Context) (Context, []Action) {
		return c, []Action{speak(text(c))}
	}
}

func fixed(text string) func(Context) string {
	return func(Context) string { return text }
}

func retrying(first, retry string) func(Context) string {
	return func(c Context) string { return choose(c, first, retry) }
}

func listenEntry(c Context) (Context, []Action) {
	return c, []Action{listen()}
}

// identify merges the slot just recognised, echoes the details so far and
// clears the consumed recognition data.
func identify(merge func(*Details, Context)) entryFunc {
	return func(c Context) (Context, []Action) {
		merge(&c.Details, c)
		actions := []Action{speak(summary(c.Details))}
		c.clearData()
		return c, actions
	}
}

var entries = map[State]entryFunc{
	StatePrompt: func(c Context) (Context, []Action) {
		c.clearData()
		return c, []Action{speak(promptStart)}
	},
	StatePromptPerson: speakEntry(retrying(promptPerson, retryPerson)),
	StateAskPerson:    listenEntry,
	StatePersonIdentified: identify(func(d *Details, c Context) {
		d.Person = c.Metadata.Person
	}),
	StatePromptDay: speakEntry(retrying(promptDay, retryDay)),
	StateAskDay:    listenEntry,
	StateDayIdentified: identify(func(d *Details, c Context) {
		d.Day = c.Metadata.Day
	}),
	StatePromptWholeDay: speakEntry(retrying(promptWholeDay, retryWholeDay)),
	StateAskWholeDay:    listenEntry,
	StateWholeDayIdentified: identify(func(d *Details, c Context) {
		v := *c.Metadata.Value
		d.WholeDay = &v
		if v {
			// a whole-day appointment never carries a time
			d.Time = ""
		}
	}),
	StatePromptTime: speakEntry(retrying(promptTime, retryTime)),
	StateAskTime:    listenEntry,
	StateTimeIdentified: identify(func(d *Details, c Context) {
		d.Time = c.Metadata.Time
	}),
	StatePromptCreateAppointmentWholeDay: speakEntry(confirmWholeDay),
	StatePromptCreateAppointmentWithTime: speakEntry(confirmWithTime),
	StateConfirmation: func(c Context) (Context, []Action) {
		c.clearData()
		return c, []Action{listen()}
	},
	StateNoInput:         speakEntry(fixed(apologyNoInput)),
	StateAppointmentDone: speakEntry(fixed(messageCompleted)),
	StateDone: func(c Context) (Context, []Action) {
		return c, nil
	},
}

// Result is the outcome of applying one event.
type Result struct {
	State   State
	Context Context
	Actions []Action
	// Handled is false when no handler consumed the event.
	Handled bool
	// Transitioned is true when a state was entered, including re-entry.
	Transitioned bool
}

// Start returns the initial configuration: the Appointment region entered
// with empty details.
func Start() Result {
	return enterAppointment(Context{})
}

// Step applies ev to the given state and context. It has no side effects;
// the returned actions must be dispatched by the caller.
func Step(g *grammar.Table, from State, c Context, ev Event) Result {
	c = c.Clone()

	for _, t := range transitions[from][ev.Type] {
		if t.guard == nil || t.guard(c, ev) {
			return enter(t.target, c)
		}
	}

	if from.InAppointment() {
		switch ev.Type {
		case EventRecognised:
			return Result{State: from, Context: recognise(g, c, ev), Handled: true}
		case EventNoInput:
			c.clearData()
			return enter(StateNoInput, c)
		}
	}

	if ev.Type == EventClick {
		return enterAppointment(c)
	}
	return Result{State: from, Context: c}
}

func enter(target State, c Context) Result {
	c, actions := entries[target](c)
	return Result{State: target, Context: c, Actions: actions, Handled: true, Transitioned: true}
}

func enterAppointment(c Context) Result {
	c.Details = Details{}
	c.clearData()
	return enter(StatePrompt, c)
}

func recognise(g *grammar.Table, c Context, ev Event) Context {
	var utterance string
	if len(ev.Hypotheses) > 0 {
		utterance = strings.ToLower(ev.Hypotheses[0].Utterance)
	}
	c.Metadata = g.Lookup(utterance)
	c.LastResult = append([]Hypothesis(nil), ev.Hypotheses...)
	return c
}
