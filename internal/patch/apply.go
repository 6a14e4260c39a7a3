package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// AmbiguousError reports an anchor that did not match the artifact exactly
// once. Matches is zero for an absent anchor, greater than one for a
// duplicated one. The whole plan fails; no edit is applied.
type AmbiguousError struct {
	Anchor  string
	Matches int
}

func (e *AmbiguousError) Error() string {
	anchor := e.Anchor
	if len(anchor) > 80 {
		anchor = anchor[:80] + "..."
	}
	if e.Matches == 0 {
		return fmt.Sprintf("patch anchor not found: %q", anchor)
	}
	return fmt.Sprintf("patch anchor matches %d times, want exactly one: %q", e.Matches, anchor)
}

// Apply runs the plan's edits in order against base. Application is
// all-or-nothing: the returned text reflects every edit, or the error leaves
// base untouched. Each anchor must match the working text exactly once,
// first byte-for-byte, then with whitespace runs normalized.
func Apply(base string, plan *Plan) (string, error) {
	out := base
	for _, edit := range plan.Edits {
		next, err := applyOne(out, edit)
		if err != nil {
			return "", err
		}
		out = next
	}
	return out, nil
}

func applyOne(text string, edit Edit) (string, error) {
	if n := strings.Count(text, edit.Anchor); n == 1 {
		return strings.Replace(text, edit.Anchor, edit.Replacement, 1), nil
	} else if n > 1 {
		return "", &AmbiguousError{Anchor: edit.Anchor, Matches: n}
	}

	// No exact match; fall back to whitespace-normalized matching so plans
	// survive tab/space and wrapping differences in the model's quoting.
	re, err := normalizedPattern(edit.Anchor)
	if err != nil {
		return "", &AmbiguousError{Anchor: edit.Anchor, Matches: 0}
	}
	spans := re.FindAllStringIndex(text, -1)
	if len(spans) != 1 {
		return "", &AmbiguousError{Anchor: edit.Anchor, Matches: len(spans)}
	}
	return text[:spans[0][0]] + edit.Replacement + text[spans[0][1]:], nil
}

// normalizedPattern turns an anchor into a regexp where any whitespace run
// in the anchor matches any whitespace run in the artifact.
func normalizedPattern(anchor string) (*regexp.Regexp, error) {
	fields := strings.Fields(anchor)
	if len(fields) == 0 {
		return nil, fmt.Errorf("blank anchor")
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = regexp.QuoteMeta(f)
	}
	return regexp.Compile(strings.Join(quoted, `\s+`))
}
