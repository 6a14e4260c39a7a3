package patch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySequentialEdits(t *testing.T) {
	base := "func old() {}\n\nvar count = 1\n"
	plan := &Plan{Edits: []Edit{
		{Anchor: "func old() {}", Replacement: "func renamed() {}"},
		{Anchor: "var count = 1", Replacement: "var count = 2"},
	}}

	out, err := Apply(base, plan)
	require.NoError(t, err)
	require.Equal(t, "func renamed() {}\n\nvar count = 2\n", out)
}

func TestApplyRoundTrip(t *testing.T) {
	base := "alpha\nbravo\ncharlie\n"
	plan := &Plan{Edits: []Edit{{Anchor: "bravo", Replacement: "delta"}}}

	out, err := Apply(base, plan)
	require.NoError(t, err)
	require.Equal(t, "alpha\ndelta\ncharlie\n", out)

	// The identical plan must not apply to its own output: the anchor is
	// gone, so edits cannot be silently reapplied.
	_, err = Apply(out, plan)
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Zero(t, ambiguous.Matches)
}

func TestApplyWhitespaceNormalizedFallback(t *testing.T) {
	base := "if ok {\n\treturn\tvalue\n}\n"
	plan := &Plan{Edits: []Edit{{Anchor: "return value", Replacement: "return other"}}}

	out, err := Apply(base, plan)
	require.NoError(t, err)
	require.Contains(t, out, "return other")
	require.NotContains(t, out, "value")
}

func TestApplyDuplicateAnchor(t *testing.T) {
	base := "x\nx\n"
	_, err := Apply(base, &Plan{Edits: []Edit{{Anchor: "x", Replacement: "y"}}})
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, 2, ambiguous.Matches)
}

func TestApplyAbsentAnchor(t *testing.T) {
	_, err := Apply("alpha\n", &Plan{Edits: []Edit{{Anchor: "missing", Replacement: "y"}}})
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Zero(t, ambiguous.Matches)
}

func TestApplyStopsAtFirstBadEdit(t *testing.T) {
	base := "alpha\nbravo\n"
	plan := &Plan{Edits: []Edit{
		{Anchor: "alpha", Replacement: "first"},
		{Anchor: "missing", Replacement: "second"},
	}}

	out, err := Apply(base, plan)
	require.Error(t, err)
	require.Empty(t, out, "a failed plan yields no partial result")
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(`{"edits":[{"anchor":"a","replacement":"b"},{"anchor":"c","replacement":""}]}`)
	require.NoError(t, err)
	require.Len(t, plan.Edits, 2)
	require.Equal(t, "a", plan.Edits[0].Anchor)
	require.Equal(t, "", plan.Edits[1].Replacement)
}

func TestParsePlanFromFencedResponse(t *testing.T) {
	raw := "```json\n{\"edits\":[{\"anchor\":\"a\",\"replacement\":\"b\"}]}\n```"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)
}

func TestParsePlanRejectsMalformedResponses(t *testing.T) {
	cases := map[string]string{
		"prose":          "sorry, no JSON here",
		"cut off":        `{"edits":[{"anchor":"a",`,
		"wrong shape":    `{"changes":[]}`,
		"empty edits":    `{"edits":[]}`,
		"empty anchor":   `{"edits":[{"anchor":"","replacement":"b"}]}`,
		"no replacement": `{"edits":[{"anchor":"a"}]}`,
	}
	for name, raw := range cases {
		_, err := ParsePlan(raw)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr, name)
	}
}
