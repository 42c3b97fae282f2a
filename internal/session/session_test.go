package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatcall/internal/calls"
	"chatcall/internal/chatlog"
	"chatcall/internal/media"
	"chatcall/internal/signaling"
)

const waitTimeout = 2 * time.Second

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

type fakeMedia struct {
	mu           sync.Mutex
	callerStarts []string
	calleeStarts []string
	stops        []string
	startErr     error
}

func (m *fakeMedia) StartAsCaller(_ context.Context, callID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callerStarts = append(m.callerStarts, callID)
	return m.startErr
}

func (m *fakeMedia) StartAsCallee(_ context.Context, callID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calleeStarts = append(m.calleeStarts, callID)
	return m.startErr
}

func (m *fakeMedia) StopCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, callID)
}

func (m *fakeMedia) counts() (callerStarts, calleeStarts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callerStarts), len(m.calleeStarts), len(m.stops)
}

type peer struct {
	media *fakeMedia
	deps  Deps
}

type fixture struct {
	store *signaling.MemoryStore
	repo  *chatlog.MemoryRepo
	alice peer
	bob   peer
}

func newFixture() *fixture {
	f := &fixture{
		store: signaling.NewMemoryStore(),
		repo:  chatlog.NewMemoryRepo(),
	}
	log := chatlog.NewService(f.repo)
	mk := func() peer {
		m := &fakeMedia{}
		return peer{media: m, deps: Deps{
			Store:       f.store,
			Media:       m,
			Permissions: media.StaticPermissions{Microphone: true, Camera: true},
			ChatLog:     log,
		}}
	}
	f.alice, f.bob = mk(), mk()
	return f
}

// ring places an audio call from alice to bob and returns both sessions.
func (f *fixture) ring(t *testing.T, callType calls.CallType) (caller, callee *Session) {
	t.Helper()
	ctx := context.Background()
	incoming, err := f.store.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe incoming: %v", err)
	}
	defer incoming.Close()

	caller, err = StartOutgoing(ctx, f.alice.deps, "alice", "bob", callType)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	select {
	case rec := <-incoming.Updates():
		if rec == nil || rec.ID != caller.CallID() {
			t.Fatalf("unexpected incoming %+v", rec)
		}
		callee = NewIncoming(f.bob.deps, "bob", *rec)
	case <-time.After(waitTimeout):
		t.Fatalf("callee never saw the call")
	}
	return caller, callee
}

func (f *fixture) status(t *testing.T, id string) calls.Status {
	t.Helper()
	rec, err := f.store.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return rec.Status
}

func TestStartOutgoing_CreatesRingingCallAnnouncedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	incoming, err := f.store.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe incoming: %v", err)
	}
	defer incoming.Close()

	s, err := StartOutgoing(ctx, f.alice.deps, "alice", "bob", calls.CallTypeAudio)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	defer s.Leave()

	rec, err := f.store.GetCall(ctx, s.CallID())
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.CallerID != "alice" || rec.CalleeID != "bob" || rec.Status != calls.StatusRinging || rec.CallType != calls.CallTypeAudio {
		t.Fatalf("unexpected record %+v", rec)
	}
	snap := s.Snapshot()
	if snap.State != StateRinging || snap.Role != calls.RoleCaller || snap.PartnerID != "bob" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	announcements := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case got := <-incoming.Updates():
			if got != nil && got.ID == s.CallID() {
				announcements++
			}
		case <-timeout:
			break loop
		}
	}
	if announcements != 1 {
		t.Fatalf("incoming stream announced the call %d times", announcements)
	}
}

func TestAccept_StartsBothSides(t *testing.T) {
	f := newFixture()
	caller, callee := f.ring(t, calls.CallTypeVideo)
	defer caller.Leave()
	defer callee.Leave()

	if err := callee.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := f.status(t, caller.CallID()); got != calls.StatusAccepted {
		t.Fatalf("status = %s, want accepted", got)
	}
	if _, calleeStarts, _ := f.bob.media.counts(); calleeStarts != 1 {
		t.Fatalf("callee media started %d times", calleeStarts)
	}
	eventually(t, func() bool {
		starts, _, _ := f.alice.media.counts()
		return starts == 1 && caller.Snapshot().State == StateAccepted
	}, "caller never started as caller")

	if err := callee.Accept(context.Background()); !errors.Is(err, calls.ErrInvalidState) {
		t.Fatalf("second accept: %v", err)
	}
}

func TestReject_WritesEndedAndLogsOnce(t *testing.T) {
	f := newFixture()
	caller, callee := f.ring(t, calls.CallTypeAudio)

	callee.Reject(context.Background())
	callee.Reject(context.Background())

	if got := f.status(t, caller.CallID()); got != calls.StatusEnded {
		t.Fatalf("status = %s, want ended", got)
	}
	if callee.Snapshot().State != StateEnded {
		t.Fatalf("callee not ended")
	}
	eventually(t, func() bool { return caller.Snapshot().State == StateEnded }, "caller never observed the rejection")

	msgs := f.repo.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one call log entry, got %+v", msgs)
	}
	if msgs[0].Text != "📞 Audio Call - rejected" || msgs[0].ConversationID != "alice_bob" || msgs[0].Kind != chatlog.KindSystem {
		t.Fatalf("unexpected call log %+v", msgs[0])
	}
	if starts, _, _ := f.alice.media.counts(); starts != 0 {
		t.Fatalf("caller started media on a rejected call")
	}
	if _, starts, _ := f.bob.media.counts(); starts != 0 {
		t.Fatalf("callee started media while rejecting")
	}
	select {
	case <-caller.Done():
	default:
		t.Fatalf("caller Done not closed")
	}
}

func TestHangup_TwiceWritesEndedOnce(t *testing.T) {
	f := newFixture()
	caller, callee := f.ring(t, calls.CallTypeVideo)
	if err := callee.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	eventually(t, func() bool { return caller.Snapshot().State == StateAccepted }, "caller not accepted")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caller.Hangup(context.Background())
		}()
	}
	wg.Wait()

	ended := 0
	for _, st := range f.store.StatusWrites(caller.CallID()) {
		if st == calls.StatusEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("ended written %d times", ended)
	}
	if _, _, stops := f.alice.media.counts(); stops < 2 {
		t.Fatalf("expected media teardown on both hangups, got %d", stops)
	}
	eventually(t, func() bool { return callee.Snapshot().State == StateEnded }, "callee never tore down")
	if _, _, stops := f.bob.media.counts(); stops == 0 {
		t.Fatalf("callee media not stopped on remote end")
	}

	msgs := f.repo.Messages()
	if len(msgs) != 1 || msgs[0].Text != "📹 Video Call - ended" {
		t.Fatalf("unexpected call log %+v", msgs)
	}
}

func TestAccept_PermissionDeniedKeepsRinging(t *testing.T) {
	f := newFixture()
	f.bob.deps.Permissions = media.StaticPermissions{Microphone: true}
	caller, callee := f.ring(t, calls.CallTypeVideo)
	defer caller.Leave()
	defer callee.Leave()

	err := callee.Accept(context.Background())
	if !errors.Is(err, calls.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	snap := callee.Snapshot()
	if snap.State != StateRinging || !errors.Is(snap.Err, calls.ErrPermissionDenied) {
		t.Fatalf("unexpected snapshot after denial %+v", snap)
	}
	if got := f.status(t, caller.CallID()); got != calls.StatusRinging {
		t.Fatalf("status = %s, want ringing", got)
	}
}

func TestStartOutgoing_PermissionDeniedWritesNothing(t *testing.T) {
	f := newFixture()
	f.alice.deps.Permissions = media.StaticPermissions{}
	ctx := context.Background()
	incoming, err := f.store.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer incoming.Close()

	if _, err := StartOutgoing(ctx, f.alice.deps, "alice", "bob", calls.CallTypeAudio); !errors.Is(err, calls.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	select {
	case rec := <-incoming.Updates():
		t.Fatalf("call was created despite denial: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartOutgoing_SignalingFailure(t *testing.T) {
	f := newFixture()
	f.store.FailNext("CreateCall", errors.New("unavailable"))
	_, err := StartOutgoing(context.Background(), f.alice.deps, "alice", "bob", calls.CallTypeAudio)
	if !errors.Is(err, calls.ErrSignalingIO) {
		t.Fatalf("expected signaling io error, got %v", err)
	}
}

func TestAccept_MediaFailureEndsCall(t *testing.T) {
	f := newFixture()
	f.bob.media.startErr = calls.MediaError("capture", errors.New("camera busy"))
	caller, callee := f.ring(t, calls.CallTypeVideo)

	err := callee.Accept(context.Background())
	if !errors.Is(err, calls.ErrMediaSetup) {
		t.Fatalf("expected media setup error, got %v", err)
	}
	if callee.Snapshot().State != StateEnded {
		t.Fatalf("callee not ended after media failure")
	}
	if got := f.status(t, caller.CallID()); got != calls.StatusEnded {
		t.Fatalf("status = %s, want ended", got)
	}
	eventually(t, func() bool { return caller.Snapshot().State == StateEnded }, "caller never ended")
}

func TestMediaFailed_EndsAcceptedCall(t *testing.T) {
	f := newFixture()
	caller, callee := f.ring(t, calls.CallTypeAudio)
	if err := callee.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	eventually(t, func() bool { return caller.Snapshot().State == StateAccepted }, "caller not accepted")

	caller.MediaFailed(calls.MediaError("ice", errors.New("failed")))
	if snap := caller.Snapshot(); snap.State != StateEnded || !errors.Is(snap.Err, calls.ErrMediaSetup) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	eventually(t, func() bool { return callee.Snapshot().State == StateEnded }, "callee never ended")
}

func TestLeave_DoesNotWriteStatus(t *testing.T) {
	f := newFixture()
	caller, callee := f.ring(t, calls.CallTypeAudio)
	defer caller.Leave()

	callee.Leave()
	callee.Leave()
	if callee.Snapshot().State != StateEnded {
		t.Fatalf("leave did not end the local session")
	}
	if got := f.status(t, caller.CallID()); got != calls.StatusRinging {
		t.Fatalf("status = %s, leave must not touch the record", got)
	}
	if len(f.repo.Messages()) != 0 {
		t.Fatalf("leave wrote a call log")
	}
}

func TestHangup_CallLogFailureIsSwallowed(t *testing.T) {
	f := newFixture()
	f.repo.FailWith(errors.New("db down"))
	caller, callee := f.ring(t, calls.CallTypeAudio)
	defer callee.Leave()

	caller.Hangup(context.Background())
	if caller.Snapshot().State != StateEnded {
		t.Fatalf("hangup did not end the call")
	}
	if got := f.status(t, caller.CallID()); got != calls.StatusEnded {
		t.Fatalf("status = %s, want ended", got)
	}
}

func TestOnChange_ReportsTransitions(t *testing.T) {
	f := newFixture()
	var (
		mu     sync.Mutex
		states []State
	)
	f.alice.deps.OnChange = func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	caller, callee := f.ring(t, calls.CallTypeAudio)
	if err := callee.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	eventually(t, func() bool { return caller.Snapshot().State == StateAccepted }, "caller not accepted")
	callee.Hangup(context.Background())
	eventually(t, func() bool { return caller.Snapshot().State == StateEnded }, "caller not ended")

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRinging, StateAccepted, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
