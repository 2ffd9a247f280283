package persona

// State is a persona's lifecycle position.
type State string

const (
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateArchived State = "archived"
	StateDeleted  State = "deleted"
)

// Action is a lifecycle request.
type Action string

const (
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionArchive   Action = "archive"
	ActionUnarchive Action = "unarchive"
	ActionDelete    Action = "delete"
)

type edge struct {
	to   State
	noop string
}

// transitions lists every allowed (state, action) pair. A non-empty noop is
// the informational message for a request that changes nothing.
var transitions = map[State]map[Action]edge{
	StateActive: {
		ActionPause:     {to: StatePaused},
		ActionResume:    {to: StateActive, noop: "is already active"},
		ActionArchive:   {to: StateArchived},
		ActionUnarchive: {to: StateActive, noop: "is not archived"},
	},
	StatePaused: {
		ActionPause:     {to: StatePaused, noop: "is already paused"},
		ActionResume:    {to: StateActive},
		ActionArchive:   {to: StateArchived},
		ActionUnarchive: {to: StatePaused, noop: "is not archived"},
	},
	StateArchived: {
		ActionArchive:   {to: StateArchived, noop: "is already archived"},
		ActionUnarchive: {to: StateActive},
		ActionDelete:    {to: StateDeleted},
	},
}

// Transition resolves action from state. A no-op returns the current state
// and its informational message.
func Transition(from State, action Action) (State, string, error) {
	if from == StateDeleted {
		return from, "", newError(CodeNotFound, "persona has been deleted")
	}
	e, ok := transitions[from][action]
	if !ok {
		if action == ActionDelete {
			return from, "", newError(CodeNotArchived, "persona is %s; archive it before deleting", from)
		}
		return from, "", newError(CodeInvalidTransition, "cannot %s a persona that is %s", action, from)
	}
	return e.to, e.noop, nil
}

// Schedulable reports whether queued work may run in this state.
func (s State) Schedulable() bool {
	return s == StateActive
}
