package dialogue

// Well-known intents produced by intent mapping or injected by the gateway.
const (
	IntentHandoffRequest = "HANDOFF_REQUEST"
	IntentNotHeard       = "NOT_HEARD"
	IntentUnclear        = "UNCLEAR"
)

// HandoffState is the nested handoff sub-state of a conversation.
type HandoffState int

const (
	HandoffIdle HandoffState = iota
	HandoffConfirming
	HandoffDone
)

func (s HandoffState) String() string {
	switch s {
	case HandoffIdle:
		return "idle"
	case HandoffConfirming:
		return "confirming"
	case HandoffDone:
		return "done"
	default:
		return "unknown"
	}
}

// ConversationState is the per-call dialogue state. One instance lives for
// the lifetime of a call and is mutated only by the engine, handoff machine
// and guard, whose access the session layer serializes; it therefore needs
// no internal locking.
type ConversationState struct {
	Phase             string
	LastIntent        string
	Handoff           HandoffState
	HandoffRetryCount int
	UnclearStreak     int
	NotHeardStreak    int
	TransferRequested bool
	TransferExecuted  bool
	Meta              map[string]interface{}
}

// NewConversationState creates state positioned at the flow's entry phase.
func NewConversationState(entryPhase string) *ConversationState {
	return &ConversationState{
		Phase: entryPhase,
		Meta:  make(map[string]interface{}),
	}
}

// InHandoff reports whether the call is inside the handoff flow.
func (s *ConversationState) InHandoff() bool {
	return s.Handoff != HandoffIdle
}
