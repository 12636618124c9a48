package dialogue

// Engine evaluates phase transitions over a flow definition. It is a pure
// evaluator: it never mutates conversation state or logs; applying the
// returned phase and recording the transition belong to the session layer.
type Engine struct {
	def *FlowDefinition
}

// NewEngine creates an engine over one flow definition. Engines are cheap;
// the session layer builds one per turn from the registry so hot reloads
// land exactly on turn boundaries.
func NewEngine(def *FlowDefinition) *Engine {
	return &Engine{def: def}
}

// Definition returns the flow this engine evaluates.
func (e *Engine) Definition() *FlowDefinition {
	return e.def
}

// Transition evaluates the current phase's transitions in declared order
// and returns the target of the first match. No match keeps the phase
// unchanged; an unknown phase also keeps the phase unchanged.
func (e *Engine) Transition(currentPhase string, ctx *TurnContext) string {
	phase, ok := e.def.Phases[currentPhase]
	if !ok {
		return currentPhase
	}

	if ctx.Keywords == nil {
		ctx.Keywords = e.def.Keywords
	}

	for _, t := range phase.Transitions {
		if t.cond != nil && t.cond.Matches(ctx) {
			return t.Target
		}
	}
	return currentPhase
}

// Templates returns the declared template ids for a phase, or nil when the
// phase is unknown or has none.
func (e *Engine) Templates(phase string) []string {
	p, ok := e.def.Phases[phase]
	if !ok {
		return nil
	}
	return p.Templates
}

// ReplyTemplates resolves what to speak after a transition: the target
// phase's templates, falling back to the current phase's templates, falling
// back to the universal default prompt. A live call must never be answered
// with silence.
func (e *Engine) ReplyTemplates(currentPhase, nextPhase string) []string {
	if templates := e.Templates(nextPhase); len(templates) > 0 {
		return templates
	}
	if templates := e.Templates(currentPhase); len(templates) > 0 {
		return templates
	}
	return []string{e.def.DefaultTemplate}
}
