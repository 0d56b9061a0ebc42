package dialogue

// State is a leaf state of the appointment dialogue. Every state except
// StateDone lives inside the Appointment region.
type State int

const (
	StatePrompt State = iota
	StatePromptPerson
	StateAskPerson
	StatePersonIdentified
	StatePromptDay
	StateAskDay
	StateDayIdentified
	StatePromptWholeDay
	StateAskWholeDay
	StateWholeDayIdentified
	StatePromptTime
	StateAskTime
	StateTimeIdentified
	StatePromptCreateAppointmentWholeDay
	StatePromptCreateAppointmentWithTime
	StateConfirmation
	StateNoInput
	StateAppointmentDone
	StateDone
)

var stateNames = map[State]string{
	StatePrompt:                          "Prompt",
	StatePromptPerson:                    "PromptPerson",
	StateAskPerson:                       "AskPerson",
	StatePersonIdentified:                "PersonIdentified",
	StatePromptDay:                       "PromptDay",
	StateAskDay:                          "AskDay",
	StateDayIdentified:                   "DayIdentified",
	StatePromptWholeDay:                  "PromptWholeDay",
	StateAskWholeDay:                     "AskWholeDay",
	StateWholeDayIdentified:              "WholeDayIdentified",
	StatePromptTime:                      "PromptTime",
	StateAskTime:                         "AskTime",
	StateTimeIdentified:                  "TimeIdentified",
	StatePromptCreateAppointmentWholeDay: "PromptCreateAppointmentWholeDay",
	StatePromptCreateAppointmentWithTime: "PromptCreateAppointmentWithTime",
	StateConfirmation:                    "Confirmation",
	StateNoInput:                         "NoInput",
	StateAppointmentDone:                 "Done",
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, 0, int(StateDone)+1)
	for s := StatePrompt; s <= StateDone; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the hierarchical path of the state, e.g. "Appointment.AskDay".
func (s State) String() string {
	if s == StateDone {
		return "Done"
	}
	if name, ok := stateNames[s]; ok {
		return "Appointment." + name
	}
	return "Unknown"
}

// InAppointment reports whether the state is nested in the Appointment region.
func (s State) InAppointment() bool {
	return s >= StatePrompt && s < StateDone
}

// ParseState resolves a path produced by String.
func ParseState(path string) (State, bool) {
	for _, s := range States() {
		if s.String() == path {
			return s, true
		}
	}
	return 0, false
}
