package patch

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/invoker"
	"llmgate/internal/monitoring"
)

// Caller is the invocation surface the guard drives. Satisfied by
// *invoker.Invoker.
type Caller interface {
	Invoke(ctx context.Context, req invoker.Request) invoker.Result
}

// Request describes one "modify this artifact" call.
type Request struct {
	// Instruction is the change request, e.g. "rename field X to Y".
	Instruction     string
	ModelID         string
	Role            string
	TimeoutBudget   time.Duration
	MaxAttempts     int
	MaxOutputTokens int
}

// ArtifactResult is the guard's terminal outcome. A truncated or partially
// patched artifact is never reported as Success.
type ArtifactResult struct {
	Success         bool
	Artifact        string
	StrategyUsed    Strategy
	RetriesConsumed int
	Err             error
}

const defaultThresholdLines = 500

// Options wire the guard.
type Options struct {
	Caller Caller
	// ThresholdLines separates full regeneration (below) from incremental
	// patching (at or above). Defaults to 500.
	ThresholdLines int
}

// Guard wraps invocation for large-artifact modifications. For big artifacts
// it asks the model for an anchor/replacement edit plan instead of a full
// rewrite, bounding output size to the size of the change. Output-length
// truncation is the dominant failure mode it exists to absorb.
type Guard struct {
	caller    Caller
	threshold int
}

func New(opts Options) *Guard {
	threshold := opts.ThresholdLines
	if threshold <= 0 {
		threshold = defaultThresholdLines
	}
	return &Guard{caller: opts.Caller, threshold: threshold}
}

// GenerateOrPatch modifies base according to req. Artifacts below the line
// threshold are fully regenerated; larger ones go through an incremental edit
// plan, with one same-strategy retry on truncation and a single fallback to
// full regeneration before a hard failure. Worst case is bounded to three
// provider calls.
func (g *Guard) GenerateOrPatch(ctx context.Context, base string, req Request) ArtifactResult {
	if countLines(base) < g.threshold {
		return g.fullRegeneration(ctx, base, req, 0)
	}
	return g.incrementalPatch(ctx, base, req)
}

func (g *Guard) incrementalPatch(ctx context.Context, base string, req Request) ArtifactResult {
	retries := 0
	res := g.invoke(ctx, planPrompt(base, req.Instruction), req)

	if res.FinishReason == invoker.FinishTruncated {
		// One more shot with the same strategy; plans are usually small
		// enough that a second attempt completes.
		log.WithField("strategy", StrategyIncrementalPatch).Warn("edit plan truncated, retrying")
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "truncated").Inc()
		retries++
		res = g.invoke(ctx, planPrompt(base, req.Instruction), req)
		if res.FinishReason == invoker.FinishTruncated {
			monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "truncated").Inc()
			retries++
			return g.fullRegenerationFallback(ctx, base, req, retries)
		}
	}
	if !res.Success {
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "failed").Inc()
		return ArtifactResult{StrategyUsed: StrategyIncrementalPatch, RetriesConsumed: retries, Err: resultErr(res)}
	}

	plan, err := ParsePlan(res.Text)
	if err != nil {
		// An unparseable plan gets one full-regeneration fallback, bounding
		// the worst case to two calls on this path.
		log.WithError(err).Warn("edit plan unparseable, falling back to full regeneration")
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "parse_failure").Inc()
		retries++
		return g.fullRegenerationFallback(ctx, base, req, retries)
	}

	out, err := Apply(base, plan)
	if err != nil {
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "ambiguous").Inc()
		return ArtifactResult{StrategyUsed: StrategyIncrementalPatch, RetriesConsumed: retries, Err: err}
	}

	monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyIncrementalPatch), "succeeded").Inc()
	return ArtifactResult{
		Success:         true,
		Artifact:        out,
		StrategyUsed:    StrategyIncrementalPatch,
		RetriesConsumed: retries,
	}
}

// fullRegenerationFallback runs the regeneration strategy after the
// incremental path gave up, without granting it a truncation retry of its
// own. retries already counts the calls consumed on the incremental path.
func (g *Guard) fullRegenerationFallback(ctx context.Context, base string, req Request, retries int) ArtifactResult {
	res := g.invoke(ctx, regeneratePrompt(base, req.Instruction), req)
	if !res.Success {
		outcome := "failed"
		if res.FinishReason == invoker.FinishTruncated {
			outcome = "truncated"
		}
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyFullRegeneration), outcome).Inc()
		return ArtifactResult{StrategyUsed: StrategyFullRegeneration, RetriesConsumed: retries, Err: resultErr(res)}
	}
	monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyFullRegeneration), "succeeded").Inc()
	return ArtifactResult{
		Success:         true,
		Artifact:        stripFence(res.Text),
		StrategyUsed:    StrategyFullRegeneration,
		RetriesConsumed: retries,
	}
}

func (g *Guard) fullRegeneration(ctx context.Context, base string, req Request, retries int) ArtifactResult {
	res := g.invoke(ctx, regeneratePrompt(base, req.Instruction), req)
	if res.FinishReason == invoker.FinishTruncated {
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyFullRegeneration), "truncated").Inc()
		retries++
		res = g.invoke(ctx, regeneratePrompt(base, req.Instruction), req)
	}
	if !res.Success {
		outcome := "failed"
		if res.FinishReason == invoker.FinishTruncated {
			outcome = "truncated"
		}
		monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyFullRegeneration), outcome).Inc()
		return ArtifactResult{StrategyUsed: StrategyFullRegeneration, RetriesConsumed: retries, Err: resultErr(res)}
	}
	monitoring.PatchAttemptsTotal.WithLabelValues(string(StrategyFullRegeneration), "succeeded").Inc()
	return ArtifactResult{
		Success:         true,
		Artifact:        stripFence(res.Text),
		StrategyUsed:    StrategyFullRegeneration,
		RetriesConsumed: retries,
	}
}

func (g *Guard) invoke(ctx context.Context, prompt string, req Request) invoker.Result {
	return g.caller.Invoke(ctx, invoker.Request{
		Prompt:          prompt,
		ModelID:         req.ModelID,
		Role:            req.Role,
		TimeoutBudget:   req.TimeoutBudget,
		MaxAttempts:     req.MaxAttempts,
		MaxOutputTokens: req.MaxOutputTokens,
	})
}

func resultErr(res invoker.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return &ParseError{Detail: "response truncated"}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func planPrompt(base, instruction string) string {
	var b strings.Builder
	b.WriteString("Modify the artifact below according to the instruction. ")
	b.WriteString("Respond with JSON only, shaped as ")
	b.WriteString(`{"edits":[{"anchor":"...","replacement":"..."}]}. `)
	b.WriteString("Each anchor must quote a passage that appears exactly once in the artifact; ")
	b.WriteString("the replacement substitutes it verbatim. Emit only the edits needed for the change.\n\n")
	b.WriteString("Instruction:\n")
	b.WriteString(instruction)
	b.WriteString("\n\nArtifact:\n")
	b.WriteString(base)
	return b.String()
}

func regeneratePrompt(base, instruction string) string {
	var b strings.Builder
	b.WriteString("Rewrite the artifact below applying the instruction. ")
	b.WriteString("Respond with the complete updated artifact and nothing else.\n\n")
	b.WriteString("Instruction:\n")
	b.WriteString(instruction)
	b.WriteString("\n\nArtifact:\n")
	b.WriteString(base)
	return b.String()
}
