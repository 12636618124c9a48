package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConditionIntentEquality(t *testing.T) {
	cond := ParseCondition("intent=='GREETING'")

	assert.True(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "QUESTION"}))
	assert.False(t, cond.Matches(&TurnContext{}))
}

func TestParseConditionIntentInequality(t *testing.T) {
	cond := ParseCondition("intent!='NOT_HEARD'")

	assert.True(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "NOT_HEARD"}))
}

func TestParseConditionDoubleQuotes(t *testing.T) {
	cond := ParseCondition(`intent=="GREETING"`)
	assert.True(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
}

func TestParseConditionDisjunction(t *testing.T) {
	cond := ParseCondition("intent=='YES'||intent=='MAYBE'")

	assert.True(t, cond.Matches(&TurnContext{Intent: "YES"}))
	assert.True(t, cond.Matches(&TurnContext{Intent: "MAYBE"}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "NO"}))
}

func TestParseConditionConjunction(t *testing.T) {
	cond := ParseCondition("intent=='GREETING'&&is_first_sales_call")

	assert.True(t, cond.Matches(&TurnContext{Intent: "GREETING", IsFirstSalesCall: true}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "QUESTION", IsFirstSalesCall: true}))
}

func TestParseConditionConjunctionWithUnknownPartNeverMatches(t *testing.T) {
	cond := ParseCondition("intent=='GREETING'&&moon_phase=='full'")

	assert.False(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
}

func TestParseConditionKeyword(t *testing.T) {
	cond := ParseCondition("keyword in pricing_words")
	ctx := &TurnContext{
		Text:     "How much does the premium Plan cost?",
		Keywords: map[string][]string{"pricing_words": {"price", "plan", "cost"}},
	}

	assert.True(t, cond.Matches(ctx))
	assert.False(t, cond.Matches(&TurnContext{
		Text:     "hello there",
		Keywords: ctx.Keywords,
	}))
	// Unknown list name never matches.
	assert.False(t, ParseCondition("keyword in missing_list").Matches(ctx))
}

func TestParseConditionFlags(t *testing.T) {
	assert.True(t, ParseCondition("user_reply_received").
		Matches(&TurnContext{UserReplyReceived: true}))
	assert.False(t, ParseCondition("user_reply_received").
		Matches(&TurnContext{}))
	assert.True(t, ParseCondition("!user_voice_detected").
		Matches(&TurnContext{}))
	assert.False(t, ParseCondition("!user_voice_detected").
		Matches(&TurnContext{UserVoiceDetected: true}))
}

func TestParseConditionTimeout(t *testing.T) {
	cond := ParseCondition("timeout")

	assert.True(t, cond.Matches(&TurnContext{Timeout: true}))
	assert.False(t, cond.Matches(&TurnContext{Intent: "GREETING"}))
}

func TestParseConditionElseAlwaysMatches(t *testing.T) {
	assert.True(t, ParseCondition("else").Matches(&TurnContext{}))
	assert.True(t, ParseCondition("").Matches(&TurnContext{}))
}

func TestParseConditionUnknownNeverMatches(t *testing.T) {
	for _, raw := range []string{
		"sentiment > 0.5",
		"intent=='unclosed",
		"!unknown_flag",
		"keyword in ",
		"garbage",
	} {
		cond := ParseCondition(raw)
		assert.False(t, cond.Matches(&TurnContext{
			Intent:            "GREETING",
			Timeout:           true,
			UserReplyReceived: true,
		}), "condition %q should never match", raw)
	}
}
