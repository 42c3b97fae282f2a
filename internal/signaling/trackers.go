package signaling

import (
	"chatcall/internal/calls"
)

// Per-subscription dedup state. Both store backends feed raw snapshots through these so that
// they share one definition of "changed".

type incomingTracker struct {
	current string
	seen    map[string]struct{}
}

// next reports what to emit for the current oldest ringing call (nil when none).
func (t *incomingTracker) next(rec *calls.CallRecord) (*calls.CallRecord, bool) {
	if rec == nil {
		if t.current == "" {
			return nil, false
		}
		t.current = ""
		return nil, true
	}
	if rec.ID == t.current {
		return nil, false
	}
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	if _, ok := t.seen[rec.ID]; ok {
		return nil, false
	}
	t.seen[rec.ID] = struct{}{}
	t.current = rec.ID
	cp := *rec
	return &cp, true
}

type valueTracker struct {
	last string
}

func (t *valueTracker) next(v string) (string, bool) {
	if v == "" || v == t.last {
		return "", false
	}
	t.last = v
	return v, true
}

type recordTracker struct {
	last *calls.CallRecord
}

func (t *recordTracker) next(rec calls.CallRecord) (calls.CallRecord, bool) {
	if t.last != nil && sameRecord(*t.last, rec) {
		return calls.CallRecord{}, false
	}
	cp := rec
	t.last = &cp
	return rec, true
}

func sameRecord(a, b calls.CallRecord) bool {
	if a.ID != b.ID || a.CallerID != b.CallerID || a.CalleeID != b.CalleeID ||
		a.Status != b.Status || a.CallType != b.CallType ||
		a.OfferSDP != b.OfferSDP || a.AnswerSDP != b.AnswerSDP ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	switch {
	case a.EndedAt == nil && b.EndedAt == nil:
		return true
	case a.EndedAt == nil || b.EndedAt == nil:
		return false
	default:
		return a.EndedAt.Equal(*b.EndedAt)
	}
}

type groupTracker struct {
	last *calls.GroupCallSession
}

func (t *groupTracker) next(g *calls.GroupCallSession) (*calls.GroupCallSession, bool) {
	switch {
	case g == nil && t.last == nil:
		return nil, false
	case g == nil:
		t.last = nil
		return nil, true
	case t.last != nil && sameGroup(*t.last, *g):
		return nil, false
	}
	cp := *g
	t.last = &cp
	out := cp
	return &out, true
}

func sameGroup(a, b calls.GroupCallSession) bool {
	if a.Status != b.Status || a.CallType != b.CallType || a.StartedBy != b.StartedBy || !a.StartedAt.Equal(b.StartedAt) {
		return false
	}
	switch {
	case a.EndedAt == nil && b.EndedAt == nil:
		return true
	case a.EndedAt == nil || b.EndedAt == nil:
		return false
	default:
		return a.EndedAt.Equal(*b.EndedAt)
	}
}
