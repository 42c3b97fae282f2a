package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"chatcall/internal/calls"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	call:{id}                      hash: from,to,status,callType,createdAt,updatedAt,endedAt,offerSdp,answerSdp
//	call:{id}:callerCandidates     list of JSON candidates (append-only)
//	call:{id}:calleeCandidates     list of JSON candidates (append-only)
//	user:{uid}:ringing             zset of ringing call ids scored by createdAt
//	group_call:{room}              hash: callType,status,startedBy,startedAt,endedAt
//
// Writers PUBLISH on the matching "...:events" channel after every change; subscribers re-read.
const (
	eventDoc       = "doc"
	eventIncoming  = "incoming"
	eventCandidate = "candidate"

	userPrefix     = "user:"
	ringingSuffix  = ":ringing"
	eventsSuffix   = ":events"
	candidatesPart = "Candidates"
)

func callKey(id string) string     { return "call:" + id }
func callChannel(id string) string { return callKey(id) + eventsSuffix }

func candidatesKey(id string, role calls.Role) string {
	return callKey(id) + ":" + string(role) + candidatesPart
}

func candidatesChannel(id string, role calls.Role) string {
	return candidatesKey(id, role) + eventsSuffix
}

func ringingKey(uid string) string  { return userPrefix + uid + ringingSuffix }
func userChannel(uid string) string { return userPrefix + uid + eventsSuffix }

func groupKey(room string) string     { return "group_call:" + room }
func groupChannel(room string) string { return groupKey(room) + eventsSuffix }

// setStatusScript advances the status monotonically.
//
// KEYS[1] = call hash, KEYS[2] = call events channel
// ARGV[1] = next status, ARGV[2] = now (unix ms), ARGV[3] = call id
// ARGV[4] = user key prefix, ARGV[5] = ringing suffix, ARGV[6] = events suffix
//
// Returns 1 applied, 0 no-op (already at or past the status), -1 call missing.
var setStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
local rank = {ringing = 1, accepted = 2, ended = 3}
local nextRank = rank[ARGV[1]]
if not nextRank then
  return redis.error_reply('invalid status')
end
if nextRank <= (rank[cur] or 0) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updatedAt', ARGV[2])
if ARGV[1] == 'ended' then
  redis.call('HSET', KEYS[1], 'endedAt', ARGV[2])
end
local to = redis.call('HGET', KEYS[1], 'to')
if to then
  redis.call('ZREM', ARGV[4] .. to .. ARGV[5], ARGV[3])
  redis.call('PUBLISH', ARGV[4] .. to .. ARGV[6], 'incoming')
end
redis.call('PUBLISH', KEYS[2], 'doc')
return 1
`)

// setFieldScript writes one field of an existing call and publishes the change.
//
// KEYS[1] = call hash, KEYS[2] = call events channel
// ARGV[1] = field, ARGV[2] = value, ARGV[3] = now (unix ms)
var setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updatedAt', ARGV[3])
redis.call('PUBLISH', KEYS[2], 'doc')
return 1
`)

// endGroupScript marks an existing group call ended and stamps endedAt in the same step
// that publishes the change.
//
// KEYS[1] = group hash, KEYS[2] = group events channel
// ARGV[1] = ended status, ARGV[2] = now (unix ms)
var endGroupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'endedAt', ARGV[2])
redis.call('PUBLISH', KEYS[2], 'doc')
return 1
`)

// RedisStoreOptions configures RedisStore. Zero values are valid.
type RedisStoreOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// RedisStore is a Store and GroupStore backed by Redis hashes, lists and pub/sub.
// The Lua scripts build user keys from call fields, so a single Redis node (or hash-tagged keys) is assumed.
type RedisStore struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

var (
	_ Store      = (*RedisStore)(nil)
	_ GroupStore = (*RedisStore)(nil)
)

func NewRedisStore(rdb *redis.Client, opts RedisStoreOptions) *RedisStore {
	s := &RedisStore{rdb: rdb, log: opts.Logger, now: opts.Clock}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *RedisStore) CreateCall(ctx context.Context, callerID, calleeID string, callType calls.CallType) (string, error) {
	if err := validateCreate(callerID, calleeID, callType); err != nil {
		return "", err
	}
	id := uuid.NewString()
	ms := s.now().UTC().UnixMilli()

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, callKey(id), map[string]any{
			"from":      callerID,
			"to":        calleeID,
			"status":    string(calls.StatusRinging),
			"callType":  string(callType),
			"createdAt": ms,
			"updatedAt": ms,
		})
		p.ZAdd(ctx, ringingKey(calleeID), redis.Z{Score: float64(ms), Member: id})
		p.Publish(ctx, callChannel(id), eventDoc)
		p.Publish(ctx, userChannel(calleeID), eventIncoming)
		return nil
	})
	if err != nil {
		return "", calls.SignalingError("create call", err)
	}
	return id, nil
}

func (s *RedisStore) GetCall(ctx context.Context, callID string) (calls.CallRecord, error) {
	m, err := s.rdb.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return calls.CallRecord{}, calls.SignalingError("get call", err)
	}
	if len(m) == 0 {
		return calls.CallRecord{}, calls.SignalingError("get call", calls.ErrNotFound)
	}
	rec, err := decodeRecord(callID, m)
	if err != nil {
		return calls.CallRecord{}, calls.SignalingError("get call", err)
	}
	return rec, nil
}

func (s *RedisStore) SetOffer(ctx context.Context, callID, sdp string) error {
	return s.setField(ctx, "set offer", callID, "offerSdp", sdp)
}

func (s *RedisStore) SetAnswer(ctx context.Context, callID, sdp string) error {
	return s.setField(ctx, "set answer", callID, "answerSdp", sdp)
}

func (s *RedisStore) setField(ctx context.Context, op, callID, field, value string) error {
	ms := s.now().UTC().UnixMilli()
	n, err := setFieldScript.Run(ctx, s.rdb, []string{callKey(callID), callChannel(callID)}, field, value, ms).Int()
	if err != nil {
		return calls.SignalingError(op, err)
	}
	if n == 0 {
		return calls.SignalingError(op, calls.ErrNotFound)
	}
	return nil
}

type candidateDoc struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	TS            int64   `json:"ts"`
}

func (s *RedisStore) AppendCandidate(ctx context.Context, callID string, role calls.Role, c calls.IceCandidate) error {
	if err := validateRole(role); err != nil {
		return err
	}
	ts := c.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	raw, err := json.Marshal(candidateDoc{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
		TS:            ts.UTC().UnixMilli(),
	})
	if err != nil {
		return calls.SignalingError("append candidate", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, candidatesKey(callID, role), raw)
		p.Publish(ctx, candidatesChannel(callID, role), eventCandidate)
		return nil
	})
	if err != nil {
		return calls.SignalingError("append candidate", err)
	}
	return nil
}

func (s *RedisStore) SetStatus(ctx context.Context, callID string, status calls.Status) (bool, error) {
	if _, err := calls.ParseStatus(string(status)); err != nil {
		return false, calls.SignalingError("set status", err)
	}
	ms := s.now().UTC().UnixMilli()
	res, err := setStatusScript.Run(ctx, s.rdb,
		[]string{callKey(callID), callChannel(callID)},
		string(status), ms, callID, userPrefix, ringingSuffix, eventsSuffix,
	).Int()
	if err != nil {
		return false, calls.SignalingError("set status", err)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, calls.SignalingError("set status", calls.ErrNotFound)
	}
}

func (s *RedisStore) SubscribeIncoming(ctx context.Context, userID string) (*Subscription[*calls.CallRecord], error) {
	if userID == "" {
		return nil, calls.SignalingError("subscribe incoming", calls.ErrUnauthenticated)
	}
	var t incomingTracker
	return follow(ctx, s, userChannel(userID), func(ctx context.Context, pub func(*calls.CallRecord) bool) error {
		rec, err := s.oldestRinging(ctx, userID)
		if err != nil {
			return err
		}
		if v, ok := t.next(rec); ok {
			pub(v)
		}
		return nil
	})
}

func (s *RedisStore) SubscribeCallRecord(ctx context.Context, callID string) (*Subscription[calls.CallRecord], error) {
	var t recordTracker
	return follow(ctx, s, callChannel(callID), func(ctx context.Context, pub func(calls.CallRecord) bool) error {
		rec, err := s.GetCall(ctx, callID)
		if errors.Is(err, calls.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v, ok := t.next(rec); ok {
			pub(v)
		}
		return nil
	})
}

func (s *RedisStore) SubscribeOffer(ctx context.Context, callID string) (*Subscription[string], error) {
	return s.subscribeField(ctx, callID, "offerSdp")
}

func (s *RedisStore) SubscribeAnswer(ctx context.Context, callID string) (*Subscription[string], error) {
	return s.subscribeField(ctx, callID, "answerSdp")
}

func (s *RedisStore) subscribeField(ctx context.Context, callID, field string) (*Subscription[string], error) {
	var t valueTracker
	return follow(ctx, s, callChannel(callID), func(ctx context.Context, pub func(string) bool) error {
		v, err := s.rdb.HGet(ctx, callKey(callID), field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return calls.SignalingError("read "+field, err)
		}
		if v, ok := t.next(v); ok {
			pub(v)
		}
		return nil
	})
}

func (s *RedisStore) SubscribeCandidates(ctx context.Context, callID string, role calls.Role) (*Subscription[calls.IceCandidate], error) {
	if err := validateRole(role); err != nil {
		return nil, err
	}
	var offset int64
	key := candidatesKey(callID, role)
	return follow(ctx, s, candidatesChannel(callID, role), func(ctx context.Context, pub func(calls.IceCandidate) bool) error {
		raws, err := s.rdb.LRange(ctx, key, offset, -1).Result()
		if err != nil {
			return calls.SignalingError("read candidates", err)
		}
		for _, raw := range raws {
			offset++
			var doc candidateDoc
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				s.log.Warn("skipping malformed candidate", "call_id", callID, "role", role, "err", err)
				continue
			}
			pub(calls.IceCandidate{
				Candidate:     doc.Candidate,
				SDPMid:        doc.SDPMid,
				SDPMLineIndex: doc.SDPMLineIndex,
				Timestamp:     time.UnixMilli(doc.TS).UTC(),
			})
		}
		return nil
	})
}

func (s *RedisStore) StartGroupCall(ctx context.Context, roomID string, callType calls.CallType, startedBy string) error {
	if roomID == "" || startedBy == "" {
		return calls.SignalingError("start group call", calls.ErrInvalidArgument)
	}
	ms := s.now().UTC().UnixMilli()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, groupKey(roomID), map[string]any{
			"callType":  string(callType),
			"status":    string(calls.GroupCallActive),
			"startedBy": startedBy,
			"startedAt": ms,
		})
		p.HDel(ctx, groupKey(roomID), "endedAt")
		p.Publish(ctx, groupChannel(roomID), eventDoc)
		return nil
	})
	if err != nil {
		return calls.SignalingError("start group call", err)
	}
	return nil
}

func (s *RedisStore) EndGroupCall(ctx context.Context, roomID string) error {
	ms := s.now().UTC().UnixMilli()
	keys := []string{groupKey(roomID), groupChannel(roomID)}
	if err := endGroupScript.Run(ctx, s.rdb, keys, string(calls.GroupCallEnded), ms).Err(); err != nil {
		return calls.SignalingError("end group call", err)
	}
	return nil
}

func (s *RedisStore) SubscribeGroupCall(ctx context.Context, roomID string) (*Subscription[*calls.GroupCallSession], error) {
	var t groupTracker
	return follow(ctx, s, groupChannel(roomID), func(ctx context.Context, pub func(*calls.GroupCallSession) bool) error {
		m, err := s.rdb.HGetAll(ctx, groupKey(roomID)).Result()
		if err != nil {
			return calls.SignalingError("read group call", err)
		}
		var cur *calls.GroupCallSession
		if len(m) > 0 {
			g, err := decodeGroup(roomID, m)
			if err != nil {
				return calls.SignalingError("read group call", err)
			}
			cur = &g
		}
		if v, ok := t.next(cur); ok {
			pub(v)
		}
		return nil
	})
}

func (s *RedisStore) oldestRinging(ctx context.Context, userID string) (*calls.CallRecord, error) {
	ids, err := s.rdb.ZRange(ctx, ringingKey(userID), 0, -1).Result()
	if err != nil {
		return nil, calls.SignalingError("read ringing", err)
	}
	for _, id := range ids {
		rec, err := s.GetCall(ctx, id)
		if err != nil && !errors.Is(err, calls.ErrNotFound) {
			return nil, err
		}
		if err == nil && rec.Status == calls.StatusRinging && rec.CalleeID == userID {
			return &rec, nil
		}
		// Stale index entry.
		if err := s.rdb.ZRem(ctx, ringingKey(userID), id).Err(); err != nil {
			s.log.Warn("ringing index cleanup failed", "call_id", id, "err", err)
		}
	}
	return nil, nil
}

// follow subscribes to channel before taking the first snapshot so no change is missed between
// the two, then re-runs poll on every message. poll runs on a single goroutine.
func follow[T any](ctx context.Context, s *RedisStore, channel string, poll func(context.Context, func(T) bool) error) (*Subscription[T], error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, calls.SignalingError("subscribe "+channel, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	sub := newSubscription[T](wctx, func() {
		cancel()
		_ = ps.Close()
	})

	msgs := ps.Channel()
	go func() {
		run := func() {
			if err := poll(wctx, sub.publish); err != nil && wctx.Err() == nil {
				// Non-fatal for listeners: the next notification retries.
				s.log.Warn("signaling listener read failed", "channel", channel, "err", err)
			}
		}
		run()
		for {
			select {
			case <-wctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				run()
			}
		}
	}()
	return sub, nil
}

func decodeRecord(id string, m map[string]string) (calls.CallRecord, error) {
	status, err := calls.ParseStatus(m["status"])
	if err != nil {
		return calls.CallRecord{}, err
	}
	callType, err := calls.ParseCallType(m["callType"])
	if err != nil {
		return calls.CallRecord{}, err
	}
	rec := calls.CallRecord{
		ID:        id,
		CallerID:  m["from"],
		CalleeID:  m["to"],
		Status:    status,
		CallType:  callType,
		OfferSDP:  m["offerSdp"],
		AnswerSDP: m["answerSdp"],
		CreatedAt: parseMillis(m["createdAt"]),
		UpdatedAt: parseMillis(m["updatedAt"]),
	}
	if v, ok := m["endedAt"]; ok && v != "" {
		t := parseMillis(v)
		rec.EndedAt = &t
	}
	return rec, nil
}

func decodeGroup(roomID string, m map[string]string) (calls.GroupCallSession, error) {
	status, err := calls.ParseGroupCallStatus(m["status"])
	if err != nil {
		return calls.GroupCallSession{}, err
	}
	callType, err := calls.ParseCallType(m["callType"])
	if err != nil {
		return calls.GroupCallSession{}, err
	}
	g := calls.GroupCallSession{
		RoomID:    roomID,
		CallType:  callType,
		Status:    status,
		StartedBy: m["startedBy"],
		StartedAt: parseMillis(m["startedAt"]),
	}
	if v, ok := m["endedAt"]; ok && v != "" {
		t := parseMillis(v)
		g.EndedAt = &t
	}
	return g, nil
}

func parseMillis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
