package patch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"llmgate/internal/classify"
	"llmgate/internal/invoker"
)

type scriptedCaller struct {
	calls   int
	prompts []string
	script  []invoker.Result
}

func (c *scriptedCaller) Invoke(_ context.Context, req invoker.Request) invoker.Result {
	c.prompts = append(c.prompts, req.Prompt)
	idx := c.calls
	c.calls++
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	return c.script[idx]
}

func completed(text string) invoker.Result {
	return invoker.Result{Success: true, Text: text, FinishReason: invoker.FinishComplete}
}

func cutOff(text string) invoker.Result {
	return invoker.Result{Text: text, FinishReason: invoker.FinishTruncated}
}

func invokeFailed(kind classify.Kind) invoker.Result {
	return invoker.Result{FinishReason: invoker.FinishError, Err: &classify.ClassifiedError{Kind: kind}}
}

func bigArtifact(lines int) string {
	var b strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&b, "line %d of the artifact\n", i)
	}
	return b.String()
}

func TestLargeArtifactUsesIncrementalPlan(t *testing.T) {
	base := bigArtifact(600)
	plan := `{"edits":[{"anchor":"line 42 of the artifact","replacement":"line 42, amended"}]}`
	caller := &scriptedCaller{script: []invoker.Result{completed(plan)}}
	g := New(Options{Caller: caller, ThresholdLines: 500})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "amend line 42", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, StrategyIncrementalPatch, res.StrategyUsed)
	require.Zero(t, res.RetriesConsumed)
	require.Equal(t, 1, caller.calls)
	require.Contains(t, res.Artifact, "line 42, amended")
	require.NotContains(t, res.Artifact, "line 42 of the artifact")
	require.Contains(t, res.Artifact, "line 43 of the artifact")
}

func TestSmallArtifactRegeneratesInFull(t *testing.T) {
	base := bigArtifact(10)
	caller := &scriptedCaller{script: []invoker.Result{completed("the whole new artifact")}}
	g := New(Options{Caller: caller, ThresholdLines: 500})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "rewrite", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, StrategyFullRegeneration, res.StrategyUsed)
	require.Zero(t, res.RetriesConsumed)
	require.Equal(t, "the whole new artifact", res.Artifact)
}

func TestTruncatedPlanRetriesOnceSameStrategy(t *testing.T) {
	base := bigArtifact(600)
	plan := `{"edits":[{"anchor":"line 1 of the artifact","replacement":"line one"}]}`
	caller := &scriptedCaller{script: []invoker.Result{
		cutOff(`{"edits":[{"anch`),
		completed(plan),
	}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "rename line 1", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, StrategyIncrementalPatch, res.StrategyUsed)
	require.Equal(t, 1, res.RetriesConsumed)
	require.Equal(t, 2, caller.calls)
	require.Contains(t, res.Artifact, "line one")
}

func TestDoubleTruncationFallsBackThenFails(t *testing.T) {
	base := bigArtifact(600)
	caller := &scriptedCaller{script: []invoker.Result{
		cutOff(`{"edits":[`),
		cutOff(`{"edits":[{"anch`),
		cutOff("line 1 of the artifact\nline 2 of"),
	}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "change", ModelID: "m"})
	require.False(t, res.Success)
	require.Equal(t, StrategyFullRegeneration, res.StrategyUsed)
	require.Equal(t, 2, res.RetriesConsumed)
	require.Equal(t, 3, caller.calls)
	require.Error(t, res.Err)
}

func TestUnparseablePlanFallsBackToRegeneration(t *testing.T) {
	base := bigArtifact(600)
	caller := &scriptedCaller{script: []invoker.Result{
		completed("I cannot produce JSON, here is prose instead."),
		completed("regenerated artifact"),
	}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "change", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, StrategyFullRegeneration, res.StrategyUsed)
	require.Equal(t, 1, res.RetriesConsumed)
	require.Equal(t, "regenerated artifact", res.Artifact)
}

func TestDuplicatedAnchorFailsWholePlan(t *testing.T) {
	base := "alpha\nrepeated\nbeta\nrepeated\n" + bigArtifact(600)
	plan := `{"edits":[{"anchor":"repeated","replacement":"once"}]}`
	caller := &scriptedCaller{script: []invoker.Result{completed(plan)}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "dedupe", ModelID: "m"})
	require.False(t, res.Success)
	require.Empty(t, res.Artifact)

	var ambiguous *AmbiguousError
	require.ErrorAs(t, res.Err, &ambiguous)
	require.Equal(t, 2, ambiguous.Matches)
}

func TestInvocationFailurePropagatesClassifiedError(t *testing.T) {
	base := bigArtifact(600)
	caller := &scriptedCaller{script: []invoker.Result{invokeFailed(classify.KindRateLimited)}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "change", ModelID: "m"})
	require.False(t, res.Success)
	var ce *classify.ClassifiedError
	require.ErrorAs(t, res.Err, &ce)
	require.Equal(t, classify.KindRateLimited, ce.Kind)
}

func TestSmallArtifactTruncationRetriesOnce(t *testing.T) {
	base := bigArtifact(10)
	caller := &scriptedCaller{script: []invoker.Result{
		cutOff("half an art"),
		completed("full artifact"),
	}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "rewrite", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, 1, res.RetriesConsumed)
	require.Equal(t, "full artifact", res.Artifact)
}

func TestRegeneratedFenceIsStripped(t *testing.T) {
	base := bigArtifact(10)
	caller := &scriptedCaller{script: []invoker.Result{
		completed("```go\npackage main\n```"),
	}}
	g := New(Options{Caller: caller})

	res := g.GenerateOrPatch(context.Background(), base, Request{Instruction: "rewrite", ModelID: "m"})
	require.True(t, res.Success)
	require.Equal(t, "package main", res.Artifact)
}
