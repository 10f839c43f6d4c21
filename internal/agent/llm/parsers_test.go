package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
)

var testStages = []model.Stage{
	{ID: "s-greet", Name: "greeting"},
	{ID: "s-checkout", Name: "checkout"},
	{ID: "s-support", Name: "order support"},
}

func TestParseStageSelection(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"bare name", "checkout", "s-checkout"},
		{"case and punctuation", "  `Checkout`. ", "s-checkout"},
		{"stage id", "s-greet", "s-greet"},
		{"json object", `{"stage": "greeting"}`, "s-greet"},
		{"json in prose", `I think {"stage_id": "s-support"} fits`, "s-support"},
		{"single mention", "The user wants to move to checkout now.", "s-checkout"},
		{"multi word name", "route to Order Support please", "s-support"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseStageSelection(tc.raw, testStages)
			assert.True(t, got.Recognized)
			assert.Equal(t, tc.want, got.StageID)
			assert.Equal(t, tc.raw, got.Raw)
		})
	}
}

func TestParseStageSelectionUnrecognized(t *testing.T) {
	for _, raw := range []string{
		"",
		"unknown_stage_xyz",
		"either greeting or checkout",
		"checkouts",
		`{"stage": "nope"}`,
	} {
		got := ParseStageSelection(raw, testStages)
		assert.False(t, got.Recognized, raw)
		assert.Empty(t, got.StageID, raw)
	}
	assert.False(t, ParseStageSelection("checkout", nil).Recognized)
}

func TestParseExtraction(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"qty": 2}`, `{"qty":2}`},
		{"array", `[1, 2]`, `[1,2]`},
		{"fenced", "Here:\n```json\n{\"qty\": 3}\n```", `{"qty":3}`},
		{"embedded", `Sure! {"qty": 4} is what I found.`, `{"qty":4}`},
		{"trailing comma", `{"qty": 5,}`, `{"qty":5}`},
		{"unclosed", `{"qty": 6`, `{"qty":6}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseExtraction(tc.raw)
			assert.True(t, got.Parsed)
			assert.JSONEq(t, tc.want, string(got.Payload))
			assert.Equal(t, tc.raw, got.Raw)
		})
	}
}

func TestParseExtractionUnparsed(t *testing.T) {
	for _, raw := range []string{"sure, ok", "", "42", `"quoted"`, "true"} {
		got := ParseExtraction(raw)
		assert.False(t, got.Parsed, raw)
		assert.Nil(t, got.Payload, raw)
		assert.Equal(t, raw, got.Raw)
	}

	huge := "{" + strings.Repeat(" ", maxExtractionLen) + "}"
	assert.False(t, ParseExtraction(huge).Parsed)
}
