package dialogue

import "strings"

// TurnContext carries everything a condition may inspect for one turn.
type TurnContext struct {
	Intent            string
	Text              string
	NormalizedText    string
	UserReplyReceived bool
	UserVoiceDetected bool
	Timeout           bool
	IsFirstSalesCall  bool

	// Keywords resolves keyword-list names to their word lists, normally
	// backed by the flow definition's keywords section.
	Keywords map[string][]string
}

// Condition is a parsed transition predicate. Conditions are built once at
// flow load time and evaluated by structural dispatch.
type Condition interface {
	Matches(ctx *TurnContext) bool
}

// eqCond matches intent equality.
type eqCond struct{ intent string }

func (c eqCond) Matches(ctx *TurnContext) bool { return ctx.Intent == c.intent }

// neqCond matches intent inequality.
type neqCond struct{ intent string }

func (c neqCond) Matches(ctx *TurnContext) bool { return ctx.Intent != c.intent }

// anyOfCond matches when any alternative matches (OR-composition).
type anyOfCond struct{ conds []Condition }

func (c anyOfCond) Matches(ctx *TurnContext) bool {
	for _, sub := range c.conds {
		if sub.Matches(ctx) {
			return true
		}
	}
	return false
}

// andCond matches when every part matches.
type andCond struct{ conds []Condition }

func (c andCond) Matches(ctx *TurnContext) bool {
	for _, sub := range c.conds {
		if !sub.Matches(ctx) {
			return false
		}
	}
	return true
}

// keywordCond matches when any word of the named list occurs in the
// normalized text.
type keywordCond struct{ list string }

func (c keywordCond) Matches(ctx *TurnContext) bool {
	words, ok := ctx.Keywords[c.list]
	if !ok {
		return false
	}
	text := ctx.NormalizedText
	if text == "" {
		text = strings.ToLower(ctx.Text)
	}
	for _, w := range words {
		if w != "" && strings.Contains(text, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// flagCond matches a named boolean context flag against an expected value.
type flagCond struct {
	name     string
	expected bool
}

func (c flagCond) Matches(ctx *TurnContext) bool {
	var value bool
	switch c.name {
	case "user_reply_received":
		value = ctx.UserReplyReceived
	case "user_voice_detected":
		value = ctx.UserVoiceDetected
	case "is_first_sales_call":
		value = ctx.IsFirstSalesCall
	default:
		// Unknown flags never match, matching the forward-compatible
		// treatment of unknown condition strings.
		return false
	}
	return value == c.expected
}

// timeoutCond matches the injected timeout flag.
type timeoutCond struct{}

func (timeoutCond) Matches(ctx *TurnContext) bool { return ctx.Timeout }

// elseCond always matches; used as the declared catch-all.
type elseCond struct{}

func (elseCond) Matches(ctx *TurnContext) bool { return true }

// unknownCond never matches. Flow definitions may carry condition kinds
// this build does not understand yet; those transitions are inert rather
// than errors.
type unknownCond struct{ raw string }

func (unknownCond) Matches(ctx *TurnContext) bool { return false }

// ParseCondition parses one condition string into its structural form.
//
// Supported forms:
//
//	else
//	timeout
//	intent=='X'              (OR-composable with ||)
//	intent!='X'
//	keyword in list_name
//	flag_name / !flag_name
//	intent=='X'&&is_first_sales_call
//
// Anything else parses to a predicate that never matches.
func ParseCondition(raw string) Condition {
	expr := strings.TrimSpace(raw)
	switch expr {
	case "", "else":
		return elseCond{}
	case "timeout":
		return timeoutCond{}
	}

	// Conjunction: every part must parse to a known predicate, otherwise
	// the whole condition is unknown.
	if strings.Contains(expr, "&&") {
		parts := strings.Split(expr, "&&")
		conds := make([]Condition, 0, len(parts))
		for _, part := range parts {
			sub := ParseCondition(part)
			if _, bad := sub.(unknownCond); bad {
				return unknownCond{raw: raw}
			}
			conds = append(conds, sub)
		}
		return andCond{conds: conds}
	}

	// Disjunction of intent comparisons.
	if strings.Contains(expr, "||") {
		parts := strings.Split(expr, "||")
		conds := make([]Condition, 0, len(parts))
		for _, part := range parts {
			sub := ParseCondition(part)
			if _, bad := sub.(unknownCond); bad {
				return unknownCond{raw: raw}
			}
			conds = append(conds, sub)
		}
		return anyOfCond{conds: conds}
	}

	if value, ok := parseComparison(expr, "=="); ok {
		return eqCond{intent: value}
	}
	if value, ok := parseComparison(expr, "!="); ok {
		return neqCond{intent: value}
	}

	if rest, ok := strings.CutPrefix(expr, "keyword in "); ok {
		list := strings.TrimSpace(rest)
		if list != "" {
			return keywordCond{list: list}
		}
		return unknownCond{raw: raw}
	}

	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		if isFlagName(strings.TrimSpace(rest)) {
			return flagCond{name: strings.TrimSpace(rest), expected: false}
		}
		return unknownCond{raw: raw}
	}

	if isFlagName(expr) {
		return flagCond{name: expr, expected: true}
	}

	return unknownCond{raw: raw}
}

// parseComparison extracts the quoted value of an "intent<op>'X'" expression.
func parseComparison(expr, op string) (string, bool) {
	left, right, found := strings.Cut(expr, op)
	if !found || strings.TrimSpace(left) != "intent" {
		return "", false
	}
	value := strings.TrimSpace(right)
	if len(value) >= 2 && (value[0] == '\'' || value[0] == '"') && value[len(value)-1] == value[0] {
		return value[1 : len(value)-1], true
	}
	return "", false
}

func isFlagName(name string) bool {
	switch name {
	case "user_reply_received", "user_voice_detected", "is_first_sales_call":
		return true
	}
	return false
}
