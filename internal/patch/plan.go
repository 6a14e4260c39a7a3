package patch

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Strategy names how an artifact modification was produced.
type Strategy string

const (
	StrategyFullRegeneration Strategy = "full_regeneration"
	StrategyIncrementalPatch Strategy = "incremental_patch"
)

// Edit is one anchor/replacement pair. The anchor quotes a passage of the
// base artifact; the replacement substitutes it wholesale.
type Edit struct {
	Anchor      string
	Replacement string
}

// Plan is an ordered set of edits against a known base artifact. Plans are
// transient: parsed, applied once, discarded.
type Plan struct {
	Edits []Edit
}

// ParseError reports a model response that could not be read as an edit plan.
// A structurally incomplete plan (cut-off JSON, missing fields, empty edit
// list) lands here too; the guard treats it as a truncation signal.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("patch plan unparseable: %s", e.Detail)
}

// ParsePlan reads a model response into a Plan. The expected shape is
// `{"edits":[{"anchor":"...","replacement":"..."}]}`, optionally wrapped in a
// markdown code fence.
func ParsePlan(raw string) (*Plan, error) {
	body := stripFence(raw)
	if !gjson.Valid(body) {
		return nil, &ParseError{Detail: "response is not valid JSON"}
	}
	edits := gjson.Get(body, "edits")
	if !edits.Exists() || !edits.IsArray() {
		return nil, &ParseError{Detail: "missing edits array"}
	}
	plan := &Plan{}
	var bad error
	edits.ForEach(func(_, e gjson.Result) bool {
		anchor := e.Get("anchor")
		replacement := e.Get("replacement")
		if !anchor.Exists() || anchor.String() == "" {
			bad = &ParseError{Detail: "edit with empty anchor"}
			return false
		}
		if !replacement.Exists() {
			bad = &ParseError{Detail: "edit without replacement"}
			return false
		}
		plan.Edits = append(plan.Edits, Edit{
			Anchor:      anchor.String(),
			Replacement: replacement.String(),
		})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	if len(plan.Edits) == 0 {
		return nil, &ParseError{Detail: "edits array is empty"}
	}
	return plan, nil
}

// stripFence unwraps a response that is a single markdown code fence.
func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.LastIndex(rest, "```"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}
