package dialogue

import "strings"

// HandoffOutcome is the result of one handoff-machine step.
type HandoffOutcome struct {
	// Result classifies what happened this step.
	Result HandoffResult

	// Templates to speak for this step.
	Templates []string

	// NextPhase is the phase the conversation moves to, when the step
	// resolves the handoff. Empty means the phase is unchanged.
	NextPhase string

	// ScheduleTransfer asks the session layer to run the transfer callback.
	ScheduleTransfer bool

	// ScheduleHangup asks the session layer to arm the delayed hangup
	// timer so the closing message can finish before the call drops.
	ScheduleHangup bool
}

// HandoffResult classifies a handoff step.
type HandoffResult int

const (
	// HandoffStarted means the confirmation prompt was issued
	HandoffStarted HandoffResult = iota

	// HandoffReask means the reply was ambiguous and the prompt is re-asked
	HandoffReask

	// HandoffAccepted means the caller confirmed (or escalation fell back
	// to an implicit yes) and a transfer is requested
	HandoffAccepted

	// HandoffDeclined means the caller declined the transfer
	HandoffDeclined
)

func (r HandoffResult) String() string {
	switch r {
	case HandoffStarted:
		return "started"
	case HandoffReask:
		return "reask"
	case HandoffAccepted:
		return "accepted"
	case HandoffDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// HandoffMachine runs the nested idle → confirming → done confirmation flow
// for transferring a call to a human operator.
type HandoffMachine struct {
	flow *HandoffFlow
}

// NewHandoffMachine creates a machine over one flow's handoff section.
func NewHandoffMachine(flow *HandoffFlow) *HandoffMachine {
	return &HandoffMachine{flow: flow}
}

// Request enters the confirming state and returns the confirmation prompt.
// Re-requesting while already confirming just re-issues the prompt.
func (m *HandoffMachine) Request(state *ConversationState) HandoffOutcome {
	state.Handoff = HandoffConfirming
	state.HandoffRetryCount = 0

	return HandoffOutcome{
		Result:    HandoffStarted,
		Templates: []string{m.flow.ConfirmTemplate},
	}
}

// HandleReply interprets the caller's confirmation-turn reply as yes, no or
// ambiguous and advances the machine.
//
// Ambiguous replies are re-asked once; a second ambiguous reply is treated
// as an implicit yes. Escalating to a human on repeated ambiguity is the
// fail-safe: a wasted transfer beats a caller stuck in a loop.
func (m *HandoffMachine) HandleReply(state *ConversationState, text string) HandoffOutcome {
	switch m.interpret(text) {
	case replyYes:
		return m.accept(state)

	case replyNo:
		state.Handoff = HandoffDone
		state.TransferRequested = false
		return HandoffOutcome{
			Result:         HandoffDeclined,
			Templates:      []string{m.flow.DeclineTemplate},
			NextPhase:      m.flow.EndPhase,
			ScheduleHangup: true,
		}

	default:
		if state.HandoffRetryCount < m.flow.MaxRetries {
			state.HandoffRetryCount++
			return HandoffOutcome{
				Result:    HandoffReask,
				Templates: []string{m.flow.ReaskTemplate},
			}
		}
		// Ambiguous again after the re-ask: implicit yes.
		return m.accept(state)
	}
}

func (m *HandoffMachine) accept(state *ConversationState) HandoffOutcome {
	state.Handoff = HandoffDone
	state.TransferRequested = true
	state.UnclearStreak = 0

	return HandoffOutcome{
		Result:           HandoffAccepted,
		Templates:        []string{m.flow.AcceptTemplate},
		NextPhase:        m.flow.DonePhase,
		ScheduleTransfer: true,
	}
}

type confirmationReply int

const (
	replyAmbiguous confirmationReply = iota
	replyYes
	replyNo
)

func (m *HandoffMachine) interpret(text string) confirmationReply {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return replyAmbiguous
	}

	// Negations are checked first: replies like "no thanks, yes later"
	// are rare, but a clear "no" must never read as consent.
	for _, w := range m.flow.NoWords {
		if w != "" && strings.Contains(normalized, strings.ToLower(w)) {
			return replyNo
		}
	}
	for _, w := range m.flow.YesWords {
		if w != "" && strings.Contains(normalized, strings.ToLower(w)) {
			return replyYes
		}
	}
	return replyAmbiguous
}
