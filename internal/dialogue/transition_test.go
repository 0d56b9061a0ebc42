package dialogue

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dialogue/internal/grammar"
)

var (
	speakDone  = Event{Type: EventSpeakComplete}
	listenDone = Event{Type: EventListenComplete}
	noInput    = Event{Type: EventNoInput}
	click      = Event{Type: EventClick}
)

type run struct {
	t     *testing.T
	g     *grammar.Table
	state State
	ctx   Context
	last  Result
}

func newRun(t *testing.T) *run {
	t.Helper()
	res := Start()
	return &run{t: t, g: grammar.Default(), state: res.State, ctx: res.Context, last: res}
}

func (r *run) send(events ...Event) *run {
	r.t.Helper()
	for _, ev := range events {
		r.last = Step(r.g, r.state, r.ctx, ev)
		r.state = r.last.State
		r.ctx = r.last.Context
	}
	return r
}

func (r *run) say(utterance string) *run {
	r.t.Helper()
	return r.send(Recognised(utterance), listenDone)
}

func (r *run) expect(s State) *run {
	r.t.Helper()
	if r.state != s {
		r.t.Fatalf("expected state %s, got %s", s, r.state)
	}
	return r
}

func (r *run) spoken() string {
	r.t.Helper()
	for _, a := range r.last.Actions {
		if a.Type == ActionSpeak {
			return a.Utterance
		}
	}
	r.t.Fatalf("expected a speak action in %s, got %+v", r.state, r.last.Actions)
	return ""
}

func (r *run) listening() bool {
	for _, a := range r.last.Actions {
		if a.Type == ActionListen {
			return true
		}
	}
	return false
}

// toAskTime drives a fresh run to AskTime with vlad on monday, not whole day.
func toAskTime(t *testing.T) *run {
	r := newRun(t).send(speakDone, speakDone).expect(StateAskPerson)
	r.say("vlad").expect(StatePersonIdentified).send(speakDone, speakDone).expect(StateAskDay)
	r.say("monday").expect(StateDayIdentified).send(speakDone, speakDone).expect(StateAskWholeDay)
	r.say("no").expect(StateWholeDayIdentified).send(speakDone, speakDone).expect(StateAskTime)
	return r
}

func TestStartEntersPrompt(t *testing.T) {
	r := newRun(t).expect(StatePrompt)
	if r.spoken() != promptStart {
		t.Fatalf("unexpected prompt %q", r.spoken())
	}
	if r.ctx.Details != (Details{}) {
		t.Fatalf("expected empty details, got %+v", r.ctx.Details)
	}
}

func TestClickRestartsAndResetsDetails(t *testing.T) {
	r := toAskTime(t)
	r.send(click).expect(StatePrompt)
	if r.ctx.Details != (Details{}) {
		t.Fatalf("expected details reset, got %+v", r.ctx.Details)
	}
	if r.spoken() != promptStart {
		t.Fatalf("expected start prompt, got %q", r.spoken())
	}
}

func TestAskPersonIdentifiesVlad(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone).expect(StateAskPerson)
	if !r.listening() {
		t.Fatal("expected AskPerson to start listening")
	}
	r.send(Recognised("vlad")).expect(StateAskPerson)
	if r.ctx.Metadata.Person != "Vladislav Maraev" {
		t.Fatalf("expected metadata person, got %+v", r.ctx.Metadata)
	}
	r.send(listenDone).expect(StatePersonIdentified)
	if r.ctx.Details.Person != "Vladislav Maraev" {
		t.Fatalf("expected person stored, got %+v", r.ctx.Details)
	}
	if r.spoken() != "Meeting with Vladislav Maraev." {
		t.Fatalf("unexpected echo %q", r.spoken())
	}
	if !r.ctx.Metadata.Empty() || r.ctx.LastResult != nil {
		t.Fatal("expected metadata and last result cleared after identification")
	}
	r.send(speakDone).expect(StatePromptDay)
}

func TestAskDayIdentifiesMonday(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone).say("bora").send(speakDone, speakDone).expect(StateAskDay)
	r.say("Monday").expect(StateDayIdentified)
	if r.ctx.Details.Day != "Monday" {
		t.Fatalf("expected Monday, got %+v", r.ctx.Details)
	}
	if r.spoken() != "Meeting with Bora Kara on Monday." {
		t.Fatalf("unexpected echo %q", r.spoken())
	}
}

func TestWholeDayYesSkipsTime(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone).say("vlad").send(speakDone, speakDone).say("tuesday")
	r.send(speakDone, speakDone).expect(StateAskWholeDay)
	r.say("yes").expect(StateWholeDayIdentified)
	if !r.ctx.Details.IsWholeDay() {
		t.Fatalf("expected whole day, got %+v", r.ctx.Details)
	}
	r.send(speakDone).expect(StatePromptCreateAppointmentWholeDay)
	want := "Do you want me to create an appointment with Vladislav Maraev on Tuesday for the whole day?"
	if r.spoken() != want {
		t.Fatalf("unexpected confirmation prompt %q", r.spoken())
	}
	r.send(speakDone).expect(StateConfirmation)
	if !r.listening() {
		t.Fatal("expected confirmation to listen")
	}
}

func TestWholeDayNoAsksTime(t *testing.T) {
	r := toAskTime(t)
	if r.ctx.Details.WholeDay == nil || *r.ctx.Details.WholeDay {
		t.Fatalf("expected whole day false, got %+v", r.ctx.Details)
	}
	r.say("ten").expect(StateTimeIdentified)
	if r.ctx.Details.Time != "10:00" {
		t.Fatalf("expected 10:00, got %q", r.ctx.Details.Time)
	}
	r.send(speakDone).expect(StatePromptCreateAppointmentWithTime)
	want := "Do you want me to create an appointment with Vladislav Maraev on Monday at 10:00?"
	if r.spoken() != want {
		t.Fatalf("unexpected confirmation prompt %q", r.spoken())
	}
}

func TestConfirmationYesCompletes(t *testing.T) {
	r := toAskTime(t).say("at 14").send(speakDone, speakDone).expect(StateConfirmation)
	r.say("yes").expect(StateAppointmentDone)
	if r.spoken() != messageCompleted {
		t.Fatalf("unexpected completion message %q", r.spoken())
	}
	r.send(speakDone).expect(StateDone)
	if len(r.last.Actions) != 0 {
		t.Fatalf("outer Done should be idle, got %+v", r.last.Actions)
	}
	if r.ctx.Details.Time != "14:00" || r.ctx.Details.Person == "" {
		t.Fatalf("details should survive until restart, got %+v", r.ctx.Details)
	}

	// Done only reacts to CLICK.
	for _, ev := range []Event{speakDone, listenDone, noInput, Recognised("yes")} {
		if res := Step(r.g, StateDone, r.ctx, ev); res.Handled {
			t.Fatalf("Done should ignore %s", ev.Type)
		}
	}
	r.send(click).expect(StatePrompt)
	if r.ctx.Details != (Details{}) {
		t.Fatalf("expected details reset on restart, got %+v", r.ctx.Details)
	}
}

func TestConfirmationNoRestartsSlotCollection(t *testing.T) {
	r := toAskTime(t).say("ten").send(speakDone, speakDone).expect(StateConfirmation)
	r.say("no").expect(StatePrompt)
	if r.spoken() != promptStart {
		t.Fatalf("unexpected prompt %q", r.spoken())
	}
	r.send(speakDone).expect(StatePromptPerson)
	if r.spoken() != promptPerson {
		t.Fatalf("expected first-time wording after denial, got %q", r.spoken())
	}
}

func TestConfirmationUnrecognisedReasks(t *testing.T) {
	r := toAskTime(t).say("ten").send(speakDone, speakDone).expect(StateConfirmation)
	r.say("banana").expect(StatePromptCreateAppointmentWithTime)
	if !strings.HasPrefix(r.spoken(), retryConfirm) {
		t.Fatalf("expected retry wording, got %q", r.spoken())
	}

	w := newRun(t).send(speakDone, speakDone).say("vlad").send(speakDone, speakDone).say("friday")
	w.send(speakDone, speakDone).say("yes").send(speakDone, speakDone).expect(StateConfirmation)
	w.say("monday").expect(StatePromptCreateAppointmentWholeDay)
	if !strings.HasPrefix(w.spoken(), retryConfirm) {
		t.Fatalf("expected retry wording, got %q", w.spoken())
	}
}

func TestGrammarMissReprompts(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone).expect(StateAskPerson)
	r.say("monday").expect(StatePromptPerson)
	if r.spoken() != retryPerson {
		t.Fatalf("expected retry wording, got %q", r.spoken())
	}
	if r.ctx.Details.Person != "" || r.ctx.Details.Day != "" {
		t.Fatalf("details must not change on a miss, got %+v", r.ctx.Details)
	}
	r.send(speakDone).expect(StateAskPerson).say("bora").expect(StatePersonIdentified)
}

func TestRecognisedUsesTopHypothesis(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone)
	r.send(Recognised("VLAD", "bora"))
	if r.ctx.Metadata.Person != "Vladislav Maraev" {
		t.Fatalf("expected top hypothesis to win, got %+v", r.ctx.Metadata)
	}
	if len(r.ctx.LastResult) != 2 {
		t.Fatalf("expected full hypothesis list kept, got %+v", r.ctx.LastResult)
	}
}

func TestNoInputRepeatedlyRoutesToFirstMissingSlot(t *testing.T) {
	r := newRun(t).send(speakDone, speakDone).expect(StateAskPerson)
	for i := 0; i < 5; i++ {
		r.send(noInput).expect(StateNoInput)
		if r.spoken() != apologyNoInput {
			t.Fatalf("unexpected apology %q", r.spoken())
		}
		r.send(noInput).expect(StateNoInput)
		r.send(speakDone).expect(StatePromptPerson)
		if r.spoken() != promptPerson {
			t.Fatalf("expected first-time wording after no input, got %q", r.spoken())
		}
		if r.ctx.Details != (Details{}) {
			t.Fatalf("details must not advance, got %+v", r.ctx.Details)
		}
		r.send(speakDone).expect(StateAskPerson)
	}
}

func TestNoInputRouting(t *testing.T) {
	no, yes := false, true
	cases := []struct {
		name    string
		details Details
		want    State
	}{
		{"person", Details{}, StatePromptPerson},
		{"day", Details{Person: "Bora Kara"}, StatePromptDay},
		{"whole day", Details{Person: "Bora Kara", Day: "Monday"}, StatePromptWholeDay},
		{"time", Details{Person: "Bora Kara", Day: "Monday", WholeDay: &no}, StatePromptTime},
		{"complete timed", Details{Person: "Bora Kara", Day: "Monday", WholeDay: &no, Time: "09:00"}, StatePrompt},
		{"complete whole day", Details{Person: "Bora Kara", Day: "Monday", WholeDay: &yes}, StatePrompt},
	}
	g := grammar.Default()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Step(g, StateAskTime, Context{Details: tc.details, LastResult: []Hypothesis{{Utterance: "x"}}}, noInput)
			if res.State != StateNoInput {
				t.Fatalf("expected NoInput, got %s", res.State)
			}
			if res.Context.LastResult != nil || !res.Context.Metadata.Empty() {
				t.Fatal("expected no-input to clear recognition data")
			}
			res = Step(g, res.State, res.Context, speakDone)
			if res.State != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res.State)
			}
		})
	}
}

func TestWholeDayClearsStaleTime(t *testing.T) {
	r := toAskTime(t).say("ten").send(speakDone, speakDone).say("no").expect(StatePrompt)
	if r.ctx.Details.Time != "10:00" {
		t.Fatalf("expected previous round details kept, got %+v", r.ctx.Details)
	}
	r.send(speakDone, speakDone).say("vlad").send(speakDone, speakDone).say("monday")
	r.send(speakDone, speakDone).say("yes").expect(StateWholeDayIdentified)
	if r.ctx.Details.Time != "" {
		t.Fatalf("whole day must clear time, got %+v", r.ctx.Details)
	}
}

func TestTimeNeverSetOnWholeDay(t *testing.T) {
	pool := []Event{speakDone, listenDone, noInput, click,
		Recognised("vlad"), Recognised("bora"), Recognised("monday"), Recognised("sunday"),
		Recognised("yes"), Recognised("no"), Recognised("ten"), Recognised("at 9"), Recognised("hello"),
		{Type: EventRecognised}}
	g := grammar.Default()
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		res := Start()
		for i := 0; i < 300; i++ {
			res = Step(g, res.State, res.Context, pool[rng.Intn(len(pool))])
			if res.Context.Details.IsWholeDay() && res.Context.Details.Time != "" {
				t.Fatalf("trial %d step %d: time %q set on whole-day appointment", trial, i, res.Context.Details.Time)
			}
			if res.State == StateAppointmentDone && !res.Context.Details.Complete() {
				t.Fatalf("trial %d step %d: appointment created with incomplete details %+v", trial, i, res.Context.Details)
			}
		}
	}
}

func TestTablesCoverEveryState(t *testing.T) {
	for _, s := range States() {
		if _, ok := entries[s]; !ok {
			t.Fatalf("state %s has no entry action", s)
		}
		if _, ok := transitions[s]; !ok {
			t.Fatalf("state %s missing from transition table", s)
		}
		for ev, candidates := range transitions[s] {
			if len(candidates) == 0 {
				t.Fatalf("state %s event %s has no candidates", s, ev)
			}
			if last := candidates[len(candidates)-1]; last.guard != nil {
				t.Fatalf("state %s event %s has no fallback candidate", s, ev)
			}
		}
		if s != StateDone && len(transitions[s]) == 0 {
			t.Fatalf("state %s has no outgoing transitions", s)
		}
	}
}

func TestStateNames(t *testing.T) {
	if StateAskPerson.String() != "Appointment.AskPerson" {
		t.Fatalf("unexpected name %q", StateAskPerson)
	}
	if StateAppointmentDone.String() != "Appointment.Done" || StateDone.String() != "Done" {
		t.Fatal("inner and outer Done must be distinct paths")
	}
	if StateDone.InAppointment() || !StateNoInput.InAppointment() {
		t.Fatal("unexpected region membership")
	}
	for _, s := range States() {
		parsed, ok := ParseState(s.String())
		if !ok || parsed != s {
			t.Fatalf("ParseState(%q) = %v, %v", s, parsed, ok)
		}
	}
}

func TestStepDoesNotMutateInput(t *testing.T) {
	yes := true
	in := Context{Details: Details{Person: "Bora Kara", Day: "Monday", WholeDay: &yes}, LastResult: []Hypothesis{{Utterance: "yes"}}}
	_ = Step(grammar.Default(), StateConfirmation, in, click)
	if in.Details.Person != "Bora Kara" || in.LastResult == nil || !*in.Details.WholeDay {
		t.Fatalf("input context mutated: %+v", in)
	}
}
