package dialogue

// EventType names an inbound event. The values are the wire contract with
// the speech actor and the control surface.
type EventType string

const (
	EventRecognised     EventType = "RECOGNISED"
	EventNoInput        EventType = "ASR_NOINPUT"
	EventSpeakComplete  EventType = "SPEAK_COMPLETE"
	EventListenComplete EventType = "LISTEN_COMPLETE"
	EventClick          EventType = "CLICK"
)

// Hypothesis is one recognition candidate.
type Hypothesis struct {
	Utterance  string  `json:"utterance"`
	Confidence float64 `json:"confidence"`
}

// Event is consumed by the machine one at a time.
type Event struct {
	Type       EventType    `json:"type"`
	Hypotheses []Hypothesis `json:"value,omitempty"`
}

// Recognised builds a RECOGNISED event carrying the given utterances in rank order.
func Recognised(utterances ...string) Event {
	hyps := make([]Hypothesis, 0, len(utterances))
	for _, u := range utterances {
		hyps = append(hyps, Hypothesis{Utterance: u, Confidence: 1})
	}
	return Event{Type: EventRecognised, Hypotheses: hyps}
}

// ActionType names an outbound request to the speech actor.
type ActionType string

const (
	ActionSpeak  ActionType = "SPEAK"
	ActionListen ActionType = "LISTEN"
)

// Action is a fire-and-forget request emitted by a transition.
type Action struct {
	Type      ActionType `json:"type"`
	Utterance string     `json:"utterance,omitempty"`
}

func speak(utterance string) Action { return Action{Type: ActionSpeak, Utterance: utterance} }

func listen() Action { return Action{Type: ActionListen} }
