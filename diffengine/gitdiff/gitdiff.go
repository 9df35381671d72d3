// Package gitdiff is the default diff implementation: a line-based
// reverse patch built on github.com/pmezard/go-difflib's
// SequenceMatcher. It satisfies diffengine.Engine's
// compute/apply/applyFuzzy contract with a serialized hunk list rather
// than literal unified-diff text, since the engine needs to replay hunks
// programmatically (including the fuzzy-window search restore's
// escalation relies on).
package gitdiff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/jcf-project/jcf/diffengine"
)

// FuzzyWindow is how many lines of slack applyFuzzy searches around a
// hunk's recorded position before giving up.
const FuzzyWindow = 20

// FuzzySimilarity is the minimum per-line match ratio applyFuzzy accepts
// when relocating a hunk's context within FuzzyWindow.
const FuzzySimilarity = 0.6

type hunk struct {
	NStart int      `json:"nStart"`
	NEnd   int      `json:"nEnd"`
	NLines []string `json:"nLines"`
	OLines []string `json:"oLines"`
}

type patch struct {
	Hunks []hunk `json:"hunks"`
}

// Engine implements diffengine.Engine.
type Engine struct{}

// New returns the default diff engine.
func New() diffengine.Engine { return Engine{} }

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	s := strings.TrimSuffix(text, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Compute returns a reverse patch transforming newText into oldText.
func (Engine) Compute(newText, oldText string) ([]byte, error) {
	nLines := splitLines(newText)
	oLines := splitLines(oldText)
	sm := difflib.NewMatcher(nLines, oLines)

	var p patch
	for _, op := range sm.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		p.Hunks = append(p.Hunks, hunk{
			NStart: op.I1,
			NEnd:   op.I2,
			NLines: append([]string(nil), nLines[op.I1:op.I2]...),
			OLines: append([]string(nil), oLines[op.J1:op.J2]...),
		})
	}
	return json.Marshal(p)
}

// Apply replays patch against text's exact recorded line positions,
// failing if the context at those positions has drifted.
func (Engine) Apply(text string, raw []byte) (string, error) {
	result, _, err := applyWithTolerantSearch(text, raw, 0)
	return result, err
}

// ApplyFuzzy replays patch allowing each hunk's context to be relocated
// within FuzzyWindow lines when it no longer matches exactly in place.
func (Engine) ApplyFuzzy(text string, raw []byte) (string, bool, error) {
	return applyWithTolerantSearch(text, raw, FuzzyWindow)
}

func applyWithTolerantSearch(text string, raw []byte, window int) (string, bool, error) {
	var p patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false, fmt.Errorf("gitdiff: decode patch: %w", err)
	}
	lines := splitLines(text)

	var out []string
	cursor := 0
	fuzzy := false

	for _, h := range p.Hunks {
		start, ok := locateHunk(lines, h, cursor, window)
		if !ok {
			return "", false, fmt.Errorf("gitdiff: hunk at N[%d:%d] not found", h.NStart, h.NEnd)
		}
		if start != h.NStart {
			fuzzy = true
		}
		out = append(out, lines[cursor:start]...)
		out = append(out, h.OLines...)
		cursor = start + len(h.NLines)
	}
	out = append(out, lines[cursor:]...)
	return joinLines(out), fuzzy, nil
}

// locateHunk finds where h.NLines occurs in lines, starting the search at
// h.NStart and, if window > 0 and the exact position no longer matches,
// scanning outward up to window lines in each direction and accepting the
// best match above FuzzySimilarity.
func locateHunk(lines []string, h hunk, minCursor, window int) (int, bool) {
	if linesEqual(lines, h.NStart, h.NLines) && h.NStart >= minCursor {
		return h.NStart, true
	}
	if window <= 0 {
		return 0, false
	}

	bestPos, bestScore := -1, 0.0
	for delta := 1; delta <= window; delta++ {
		for _, cand := range []int{h.NStart + delta, h.NStart - delta} {
			if cand < minCursor || cand+len(h.NLines) > len(lines) {
				continue
			}
			score := similarity(lines, cand, h.NLines)
			if score > bestScore {
				bestScore, bestPos = score, cand
			}
		}
	}
	if bestPos >= 0 && bestScore >= FuzzySimilarity {
		return bestPos, true
	}
	return 0, false
}

func linesEqual(lines []string, start int, want []string) bool {
	if start < 0 || start+len(want) > len(lines) {
		return false
	}
	for i, w := range want {
		if lines[start+i] != w {
			return false
		}
	}
	return true
}

// similarity scores how well lines[start:start+len(want)] matches want,
// as the fraction of want's lines found equal at their aligned position.
func similarity(lines []string, start int, want []string) float64 {
	if len(want) == 0 {
		return 1
	}
	matches := 0
	for i, w := range want {
		if lines[start+i] == w {
			matches++
		}
	}
	return float64(matches) / float64(len(want))
}
