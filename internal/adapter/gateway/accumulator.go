package gateway

import (
	"strings"
	"time"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// runEntry is the accumulated partial text for one in-flight run.
type runEntry struct {
	sessionKey string
	text       string
	timestamp  time.Time
}

// RunAccumulator reconstructs a complete assistant reply from a stream of
// delta events terminated by a final event, keyed by run id. It holds at
// most one entry per in-flight run; a run that never reaches final leaves a
// stale entry behind, which is acceptable at relay lifetime scale.
type RunAccumulator struct {
	runs map[string]runEntry
}

// NewRunAccumulator creates an empty accumulator.
func NewRunAccumulator() *RunAccumulator {
	return &RunAccumulator{runs: make(map[string]runEntry)}
}

// OnDelta stores the flattened running total for a run, overwriting any
// prior partial text. Deltas carry the full text so far, not increments.
func (a *RunAccumulator) OnDelta(runID, sessionKey string, parts []ContentPart, ts time.Time) {
	a.runs[runID] = runEntry{
		sessionKey: sessionKey,
		text:       flattenParts(parts),
		timestamp:  ts,
	}
}

// OnFinal consumes the run. The final payload's text wins when present and
// non-empty; otherwise the last accumulated delta text is the source of
// truth (the stream may legitimately end with an empty final, e.g. tool-only
// turns). The entry is removed regardless. Returns false when the resulting
// text is empty after trimming.
func (a *RunAccumulator) OnFinal(runID, sessionKey string, finalParts []ContentPart) (domain.Message, bool) {
	entry, tracked := a.runs[runID]
	delete(a.runs, runID)
	if entry.sessionKey == "" {
		entry.sessionKey = sessionKey
	}

	text := flattenParts(finalParts)
	if strings.TrimSpace(text) == "" && tracked {
		text = entry.text
	}
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, false
	}

	ts := entry.timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return domain.Message{
		SessionKey: entry.sessionKey,
		Role:       domain.RoleAssistant,
		Content:    TruncateContent(text),
		Timestamp:  ts,
	}, true
}

// Drop discards a run without emitting anything, for runs that end in an
// error state.
func (a *RunAccumulator) Drop(runID string) {
	delete(a.runs, runID)
}

// Len reports the number of in-flight runs being tracked.
func (a *RunAccumulator) Len() int { return len(a.runs) }
