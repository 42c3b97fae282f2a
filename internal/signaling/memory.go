package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcall/internal/calls"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and GroupStore.
// Every mutation re-evaluates all live subscriptions, which mirrors a snapshot-listener document
// database. It is intended for tests and single-node demos.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	calls  map[string]*memCall
	groups map[string]calls.GroupCallSession

	watchers    map[int]func()
	nextWatcher int

	failures     map[string]error
	statusWrites map[string][]calls.Status
}

type memCall struct {
	rec        calls.CallRecord
	candidates map[calls.Role][]calls.IceCandidate
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ GroupStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		calls:        make(map[string]*memCall),
		groups:       make(map[string]calls.GroupCallSession),
		watchers:     make(map[int]func()),
		failures:     make(map[string]error),
		statusWrites: make(map[string][]calls.Status),
	}
}

// FailNext makes the next invocation of op (for example "SetStatus") return err.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// StatusWrites returns the status writes that were applied to callID, in order.
func (s *MemoryStore) StatusWrites(callID string) []calls.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Status, len(s.statusWrites[callID]))
	copy(out, s.statusWrites[callID])
	return out
}

func (s *MemoryStore) failLocked(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return calls.SignalingError(op, err)
	}
	return nil
}

func (s *MemoryStore) CreateCall(ctx context.Context, callerID, calleeID string, callType calls.CallType) (string, error) {
	if err := validateCreate(callerID, calleeID, callType); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CreateCall"); err != nil {
		return "", err
	}

	now := s.now().UTC()
	id := uuid.NewString()
	s.calls[id] = &memCall{
		rec: calls.CallRecord{
			ID:        id,
			CallerID:  callerID,
			CalleeID:  calleeID,
			Status:    calls.StatusRinging,
			CallType:  callType,
			CreatedAt: now,
			UpdatedAt: now,
		},
		candidates: make(map[calls.Role][]calls.IceCandidate),
	}
	s.statusWrites[id] = append(s.statusWrites[id], calls.StatusRinging)
	s.notifyLocked()
	return id, nil
}

func (s *MemoryStore) GetCall(ctx context.Context, callID string) (calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return calls.CallRecord{}, calls.SignalingError("GetCall", calls.ErrNotFound)
	}
	return c.rec, nil
}

func (s *MemoryStore) SetOffer(ctx context.Context, callID, sdp string) error {
	return s.setSDP("SetOffer", callID, func(r *calls.CallRecord) { r.OfferSDP = sdp })
}

func (s *MemoryStore) SetAnswer(ctx context.Context, callID, sdp string) error {
	return s.setSDP("SetAnswer", callID, func(r *calls.CallRecord) { r.AnswerSDP = sdp })
}

func (s *MemoryStore) setSDP(op, callID string, set func(*calls.CallRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(op); err != nil {
		return err
	}
	c, ok := s.calls[callID]
	if !ok {
		return calls.SignalingError(op, calls.ErrNotFound)
	}
	set(&c.rec)
	c.rec.UpdatedAt = s.now().UTC()
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) AppendCandidate(ctx context.Context, callID string, role calls.Role, cand calls.IceCandidate) error {
	if err := validateRole(role); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("AppendCandidate"); err != nil {
		return err
	}
	c, ok := s.calls[callID]
	if !ok {
		return calls.SignalingError("AppendCandidate", calls.ErrNotFound)
	}
	if cand.Timestamp.IsZero() {
		cand.Timestamp = s.now().UTC()
	}
	c.candidates[role] = append(c.candidates[role], cand)
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, callID string, status calls.Status) (bool, error) {
	if _, err := calls.ParseStatus(string(status)); err != nil {
		return false, calls.SignalingError("SetStatus", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("SetStatus"); err != nil {
		return false, err
	}
	c, ok := s.calls[callID]
	if !ok {
		return false, calls.SignalingError("SetStatus", calls.ErrNotFound)
	}
	if !c.rec.Status.CanAdvanceTo(status) {
		return false, nil
	}
	now := s.now().UTC()
	c.rec.Status = status
	c.rec.UpdatedAt = now
	if status == calls.StatusEnded {
		c.rec.EndedAt = &now
	}
	s.statusWrites[callID] = append(s.statusWrites[callID], status)
	s.notifyLocked()
	return true, nil
}

func (s *MemoryStore) SubscribeIncoming(ctx context.Context, userID string) (*Subscription[*calls.CallRecord], error) {
	if userID == "" {
		return nil, calls.SignalingError("SubscribeIncoming", calls.ErrUnauthenticated)
	}
	var t incomingTracker
	return subscribe(ctx, s, "SubscribeIncoming", func(pub func(*calls.CallRecord) bool) {
		if rec, ok := t.next(s.oldestRingingLocked(userID)); ok {
			pub(rec)
		}
	})
}

func (s *MemoryStore) SubscribeCallRecord(ctx context.Context, callID string) (*Subscription[calls.CallRecord], error) {
	var t recordTracker
	return subscribe(ctx, s, "SubscribeCallRecord", func(pub func(calls.CallRecord) bool) {
		c, ok := s.calls[callID]
		if !ok {
			return
		}
		if rec, ok := t.next(c.rec); ok {
			pub(rec)
		}
	})
}

func (s *MemoryStore) SubscribeOffer(ctx context.Context, callID string) (*Subscription[string], error) {
	return s.subscribeSDP(ctx, "SubscribeOffer", callID, func(r calls.CallRecord) string { return r.OfferSDP })
}

func (s *MemoryStore) SubscribeAnswer(ctx context.Context, callID string) (*Subscription[string], error) {
	return s.subscribeSDP(ctx, "SubscribeAnswer", callID, func(r calls.CallRecord) string { return r.AnswerSDP })
}

func (s *MemoryStore) subscribeSDP(ctx context.Context, op, callID string, field func(calls.CallRecord) string) (*Subscription[string], error) {
	var t valueTracker
	return subscribe(ctx, s, op, func(pub func(string) bool) {
		c, ok := s.calls[callID]
		if !ok {
			return
		}
		if v, ok := t.next(field(c.rec)); ok {
			pub(v)
		}
	})
}

func (s *MemoryStore) SubscribeCandidates(ctx context.Context, callID string, role calls.Role) (*Subscription[calls.IceCandidate], error) {
	if err := validateRole(role); err != nil {
		return nil, err
	}
	delivered := 0
	return subscribe(ctx, s, "SubscribeCandidates", func(pub func(calls.IceCandidate) bool) {
		c, ok := s.calls[callID]
		if !ok {
			return
		}
		all := c.candidates[role]
		for _, cand := range all[delivered:] {
			pub(cand)
		}
		delivered = len(all)
	})
}

func (s *MemoryStore) StartGroupCall(ctx context.Context, roomID string, callType calls.CallType, startedBy string) error {
	if roomID == "" || startedBy == "" {
		return calls.SignalingError("StartGroupCall", calls.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[roomID] = calls.GroupCallSession{
		RoomID:    roomID,
		CallType:  callType,
		Status:    calls.GroupCallActive,
		StartedBy: startedBy,
		StartedAt: s.now().UTC(),
	}
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) EndGroupCall(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[roomID]
	if !ok || g.Status == calls.GroupCallEnded {
		return nil
	}
	now := s.now().UTC()
	g.Status = calls.GroupCallEnded
	g.EndedAt = &now
	s.groups[roomID] = g
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) SubscribeGroupCall(ctx context.Context, roomID string) (*Subscription[*calls.GroupCallSession], error) {
	var t groupTracker
	return subscribe(ctx, s, "SubscribeGroupCall", func(pub func(*calls.GroupCallSession) bool) {
		var cur *calls.GroupCallSession
		if g, ok := s.groups[roomID]; ok {
			cur = &g
		}
		if v, ok := t.next(cur); ok {
			pub(v)
		}
	})
}

func (s *MemoryStore) oldestRingingLocked(userID string) *calls.CallRecord {
	var ringing []calls.CallRecord
	for _, c := range s.calls {
		if c.rec.CalleeID == userID && c.rec.Status == calls.StatusRinging {
			ringing = append(ringing, c.rec)
		}
	}
	if len(ringing) == 0 {
		return nil
	}
	sort.Slice(ringing, func(i, j int) bool {
		if ringing[i].CreatedAt.Equal(ringing[j].CreatedAt) {
			return ringing[i].ID < ringing[j].ID
		}
		return ringing[i].CreatedAt.Before(ringing[j].CreatedAt)
	})
	return &ringing[0]
}

// subscribe registers eval as a watcher. eval runs under the store lock, once immediately and
// again after every mutation, until the subscription is closed.
func subscribe[T any](ctx context.Context, s *MemoryStore, op string, eval func(pub func(T) bool)) (*Subscription[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(op); err != nil {
		return nil, err
	}

	id := s.nextWatcher
	s.nextWatcher++
	sub := newSubscription[T](ctx, func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	})
	fire := func() { eval(sub.publish) }
	s.watchers[id] = fire
	fire()
	return sub, nil
}

func (s *MemoryStore) notifyLocked() {
	for _, fire := range s.watchers {
		fire()
	}
}
