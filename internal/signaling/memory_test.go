package signaling

import (
	"context"
	"errors"
	"testing"

	"chatcall/internal/calls"
)

func TestMemoryStore_CreateCallAnnouncesIncomingOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	incoming, err := s.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer incoming.Close()

	id, err := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := recv(t, incoming)
	if rec == nil || rec.ID != id {
		t.Fatalf("expected incoming %s, got %+v", id, rec)
	}
	if rec.CallerID != "alice" || rec.CalleeID != "bob" || rec.Status != calls.StatusRinging || rec.CallType != calls.CallTypeAudio {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Unrelated field writes must not re-announce the same call.
	if err := s.SetOffer(ctx, id, "offer"); err != nil {
		t.Fatalf("set offer: %v", err)
	}
	expectQuiet(t, incoming)
}

func TestMemoryStore_IncomingClearsWhenCallerCancels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeVideo)

	incoming, err := s.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer incoming.Close()
	if rec := recv(t, incoming); rec == nil || rec.ID != id {
		t.Fatalf("expected ringing call, got %+v", rec)
	}

	if _, err := s.SetStatus(ctx, id, calls.StatusEnded); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if rec := recv(t, incoming); rec != nil {
		t.Fatalf("expected nil after cancel, got %+v", rec)
	}
}

func TestMemoryStore_SetStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)

	if ok, err := s.SetStatus(ctx, id, calls.StatusAccepted); err != nil || !ok {
		t.Fatalf("accept: applied=%v err=%v", ok, err)
	}
	if ok, _ := s.SetStatus(ctx, id, calls.StatusRinging); ok {
		t.Fatalf("status regressed to ringing")
	}
	if ok, _ := s.SetStatus(ctx, id, calls.StatusEnded); !ok {
		t.Fatalf("expected end to apply")
	}
	if ok, _ := s.SetStatus(ctx, id, calls.StatusEnded); ok {
		t.Fatalf("second end must be a no-op")
	}

	rec, err := s.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != calls.StatusEnded || rec.EndedAt == nil {
		t.Fatalf("expected ended with endedAt, got %+v", rec)
	}
	writes := s.StatusWrites(id)
	want := []calls.Status{calls.StatusRinging, calls.StatusAccepted, calls.StatusEnded}
	if len(writes) != len(want) {
		t.Fatalf("expected %v, got %v", want, writes)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, writes)
		}
	}

	if _, err := s.SetStatus(ctx, "missing", calls.StatusEnded); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_OfferDeduplicated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)

	offers, err := s.SubscribeOffer(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer offers.Close()

	_ = s.SetOffer(ctx, id, "sdp-1")
	_ = s.SetOffer(ctx, id, "sdp-1")
	if got := recv(t, offers); got != "sdp-1" {
		t.Fatalf("expected sdp-1, got %q", got)
	}
	expectQuiet(t, offers)

	_ = s.SetOffer(ctx, id, "sdp-2")
	if got := recv(t, offers); got != "sdp-2" {
		t.Fatalf("expected sdp-2, got %q", got)
	}
}

func TestMemoryStore_CandidatesDeliveredOncePerSubscription(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)

	_ = s.AppendCandidate(ctx, id, calls.RoleCaller, calls.IceCandidate{Candidate: "c1"})
	_ = s.AppendCandidate(ctx, id, calls.RoleCaller, calls.IceCandidate{Candidate: "c2"})
	_ = s.AppendCandidate(ctx, id, calls.RoleCallee, calls.IceCandidate{Candidate: "other"})

	sub, err := s.SubscribeCandidates(ctx, id, calls.RoleCaller)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if c := recv(t, sub); c.Candidate != "c1" {
		t.Fatalf("expected c1, got %q", c.Candidate)
	}
	if c := recv(t, sub); c.Candidate != "c2" {
		t.Fatalf("expected c2, got %q", c.Candidate)
	}

	_ = s.AppendCandidate(ctx, id, calls.RoleCaller, calls.IceCandidate{Candidate: "c3"})
	if c := recv(t, sub); c.Candidate != "c3" || c.Timestamp.IsZero() {
		t.Fatalf("expected stamped c3, got %+v", c)
	}
	_ = s.SetAnswer(ctx, id, "answer")
	expectQuiet(t, sub)
}

func TestMemoryStore_CreateCallRequiresCaller(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateCall(context.Background(), "", "bob", calls.CallTypeAudio)
	if !errors.Is(err, calls.ErrSignalingIO) || !errors.Is(err, calls.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated signaling error, got %v", err)
	}
}

func TestMemoryStore_FailNext(t *testing.T) {
	s := NewMemoryStore()
	s.FailNext("CreateCall", errors.New("offline"))
	if _, err := s.CreateCall(context.Background(), "a", "b", calls.CallTypeAudio); !errors.Is(err, calls.ErrSignalingIO) {
		t.Fatalf("expected signaling io, got %v", err)
	}
	if _, err := s.CreateCall(context.Background(), "a", "b", calls.CallTypeAudio); err != nil {
		t.Fatalf("failure should be one-shot, got %v", err)
	}
}

func TestMemoryStore_RecordStreamFollowsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)

	sub, err := s.SubscribeCallRecord(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if rec := recv(t, sub); rec.Status != calls.StatusRinging {
		t.Fatalf("expected ringing, got %s", rec.Status)
	}
	_, _ = s.SetStatus(ctx, id, calls.StatusAccepted)
	_, _ = s.SetStatus(ctx, id, calls.StatusEnded)
	if rec := recv(t, sub); rec.Status != calls.StatusAccepted {
		t.Fatalf("expected accepted, got %s", rec.Status)
	}
	if rec := recv(t, sub); rec.Status != calls.StatusEnded {
		t.Fatalf("expected ended, got %s", rec.Status)
	}
}

func TestMemoryStore_GroupCallFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sub, err := s.SubscribeGroupCall(ctx, "group_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.StartGroupCall(ctx, "group_1", calls.CallTypeVideo, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if g := recv(t, sub); g == nil || g.Status != calls.GroupCallActive || g.StartedBy != "alice" {
		t.Fatalf("expected active session, got %+v", g)
	}
	_ = s.EndGroupCall(ctx, "group_1")
	if g := recv(t, sub); g == nil || g.Status != calls.GroupCallEnded || g.EndedAt == nil {
		t.Fatalf("expected ended session, got %+v", g)
	}
}
