package dialogue

// unclearEscalationStreak and notHeardEscalationStreak are how many
// consecutive failed turns force escalation.
const (
	unclearEscalationStreak  = 2
	notHeardEscalationStreak = 2
)

// Guard tracks misunderstanding streaks per call and forces escalation to a
// human before a caller gets stuck repeating themselves.
type Guard struct {
	def *FlowDefinition
}

// NewGuard creates a guard over one flow definition.
func NewGuard(def *FlowDefinition) *Guard {
	return &Guard{def: def}
}

// ObserveReply updates the unclear streak from the templates chosen for a
// turn. Turns resolving to the "not understood" template extend the streak;
// any normal reply resets it to zero. The streak never decays on its own.
func (g *Guard) ObserveReply(state *ConversationState, templates []string) {
	for _, id := range templates {
		if id == g.def.UnclearTemplate {
			state.UnclearStreak++
			return
		}
	}
	state.UnclearStreak = 0
}

// ShouldForceHandoff reports whether the unclear streak has reached the
// escalation point. It never fires inside the handoff flow, where the
// handoff machine's own retry logic governs.
func (g *Guard) ShouldForceHandoff(state *ConversationState) bool {
	if state.InHandoff() {
		return false
	}
	return state.UnclearStreak >= unclearEscalationStreak
}

// ObserveNotHeard counts a turn with no usable speech and reports whether
// the streak warrants a direct handoff confirmation. When it fires, the
// counter resets so the next prompt starts a fresh streak.
func (g *Guard) ObserveNotHeard(state *ConversationState) bool {
	state.NotHeardStreak++
	if state.NotHeardStreak >= notHeardEscalationStreak {
		state.NotHeardStreak = 0
		return true
	}
	return false
}

// ObserveHeard resets the not-heard streak after a turn with usable speech.
func (g *Guard) ObserveHeard(state *ConversationState) {
	state.NotHeardStreak = 0
}
