// Package diffengine defines the diff port: an opaque
// (compute, apply, applyFuzzy) triple over normalized UTF-8 text. The
// checkpoint and restore pipelines depend only on this interface;
// diffengine/gitdiff supplies the default concrete implementation.
package diffengine

// Engine is injected into the checkpoint/restore pipelines so the text
// diff/patch algorithm can be swapped without touching either pipeline.
type Engine interface {
	// Compute returns a reverse patch that transforms newText into
	// oldText.
	Compute(newText, oldText string) ([]byte, error)

	// Apply applies patch to text and returns the result. It must fail
	// loudly (not silently degrade) when hunks cannot be matched exactly.
	Apply(text string, patch []byte) (string, error)

	// ApplyFuzzy applies patch with loosened hunk-matching tolerance —
	// the second of restore's three escalating strategies. It returns
	// the result and whether any hunk required fuzzy matching (callers
	// use this to decide whether to warn).
	ApplyFuzzy(text string, patch []byte) (result string, fuzzy bool, err error)
}
