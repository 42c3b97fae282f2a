package signaling

import (
	"context"
	"errors"
	"testing"

	"chatcall/internal/calls"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, RedisStoreOptions{}), mr
}

func TestRedisStore_CreateCallAndIncoming(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

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
	if rec == nil || rec.ID != id || rec.CallerID != "alice" || rec.Status != calls.StatusRinging {
		t.Fatalf("unexpected incoming: %+v", rec)
	}
	if got := mr.HGet(callKey(id), "callType"); got != "audio" {
		t.Fatalf("expected stored callType audio, got %q", got)
	}

	if _, err := s.SetStatus(ctx, id, calls.StatusEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec := recv(t, incoming); rec != nil {
		t.Fatalf("expected nil once no ringing call remains, got %+v", rec)
	}
	if members, _ := mr.ZMembers(ringingKey("bob")); len(members) != 0 {
		t.Fatalf("expected ringing index cleared, got %v", members)
	}
}

func TestRedisStore_SetStatusScriptIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeVideo)

	if ok, err := s.SetStatus(ctx, id, calls.StatusEnded); err != nil || !ok {
		t.Fatalf("end: applied=%v err=%v", ok, err)
	}
	if ok, err := s.SetStatus(ctx, id, calls.StatusAccepted); err != nil || ok {
		t.Fatalf("accept after end must be a no-op: applied=%v err=%v", ok, err)
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
	if _, err := s.SetStatus(ctx, "nope", calls.StatusEnded); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisStore_AnswerAndCandidates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	id, _ := s.CreateCall(ctx, "alice", "bob", calls.CallTypeAudio)

	answers, err := s.SubscribeAnswer(ctx, id)
	if err != nil {
		t.Fatalf("subscribe answer: %v", err)
	}
	defer answers.Close()
	if err := s.SetAnswer(ctx, id, "answer-sdp"); err != nil {
		t.Fatalf("set answer: %v", err)
	}
	if got := recv(t, answers); got != "answer-sdp" {
		t.Fatalf("expected answer, got %q", got)
	}
	if err := s.SetAnswer(ctx, "missing", "x"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected not found for missing call, got %v", err)
	}

	mid := "0"
	idx := uint16(0)
	_ = s.AppendCandidate(ctx, id, calls.RoleCallee, calls.IceCandidate{Candidate: "cand-1", SDPMid: &mid, SDPMLineIndex: &idx})

	cands, err := s.SubscribeCandidates(ctx, id, calls.RoleCallee)
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer cands.Close()
	c := recv(t, cands)
	if c.Candidate != "cand-1" || c.SDPMid == nil || *c.SDPMid != "0" || c.SDPMLineIndex == nil {
		t.Fatalf("unexpected candidate: %+v", c)
	}

	_ = s.AppendCandidate(ctx, id, calls.RoleCallee, calls.IceCandidate{Candidate: "cand-2"})
	if c := recv(t, cands); c.Candidate != "cand-2" {
		t.Fatalf("expected only the new candidate, got %q", c.Candidate)
	}
}

func TestRedisStore_GroupCallFlag(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	if err := s.StartGroupCall(ctx, "group_9", calls.CallTypeAudio, "carol"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub, err := s.SubscribeGroupCall(ctx, "group_9")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if g := recv(t, sub); g == nil || g.Status != calls.GroupCallActive {
		t.Fatalf("expected active, got %+v", g)
	}
	if err := s.EndGroupCall(ctx, "group_9"); err != nil {
		t.Fatalf("end: %v", err)
	}
	g := recv(t, sub)
	if g == nil || g.Status != calls.GroupCallEnded || g.EndedAt == nil {
		t.Fatalf("expected ended with a timestamp in the same update, got %+v", g)
	}
	if g.EndedAt.Before(g.StartedAt) {
		t.Fatalf("endedAt %v before startedAt %v", g.EndedAt, g.StartedAt)
	}
}

func TestRedisStore_EndUnknownGroupCallIsNoop(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	if err := s.EndGroupCall(ctx, "group_none"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if mr.Exists(groupKey("group_none")) {
		t.Fatalf("ending an unknown group call created its hash")
	}
}
