// Package redisstore is a Redis/DragonflyDB-backed SnapshotStore,
// grounded on the teacher's Lua-script compare-and-set idiom (see
// pkg/queue/lock.go) and its Redis Streams event plumbing (see
// pkg/queue/events.go). Every compare-and-set path either uses a
// single-key Lua script (atomic by construction) or a WATCH/MULTI
// transaction, and Create/CreateSimple use SETNX, per spec.md §9
// "Optimistic concurrency over conditional writes". The remaining
// writes are plain SET/DEL calls.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
)

// Store is a SnapshotStore backed by a single Redis/DragonflyDB client.
type Store struct {
	client    *redis.Client
	keyPrefix string
	codec     StateCodec
}

// New wraps an existing go-redis client. keyPrefix namespaces every
// key this store touches, matching the teacher's "goflow:" convention.
func New(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "flowcore:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) snapKey(id string) string     { return s.keyPrefix + "snapshot:" + id }
func (s *Store) waitKey(id string) string     { return s.keyPrefix + "wait:" + id }
func (s *Store) progressKey(flowID, path string) string {
	return s.keyPrefix + "foreach:" + flowID + ":" + path
}
func (s *Store) simpleKey(id string) string { return s.keyPrefix + "simple:" + id }

// wireSnapshot is the JSON-on-the-wire shape; step.Position marshals
// as a plain int slice and Status/WaitKind as their string values, so
// no custom (Un)MarshalJSON is needed on the domain types themselves.
type wireSnapshot struct {
	FlowID         string               `json:"flow_id"`
	State          json.RawMessage      `json:"state"`
	CompletedSteps int                  `json:"completed_steps"`
	Position       step.Position        `json:"position"`
	Status         store.Status         `json:"status"`
	Error          string               `json:"error"`
	Wait           *store.WaitCondition `json:"wait"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Version        int64                `json:"version"`
}

// StateCodec lets callers plug in their own user-state marshaling; the
// core requires only that the store can round-trip an opaque blob
// (spec.md §1 Out of scope). The zero value uses encoding/json.
type StateCodec interface {
	Marshal(state any) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (any, error)
}

type jsonCodec struct{}

func (jsonCodec) Marshal(state any) (json.RawMessage, error) { return json.Marshal(state) }
func (jsonCodec) Unmarshal(data json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// WithCodec returns a copy of the store using codec for user state.
func (s *Store) WithCodec(codec StateCodec) *Store {
	cp := *s
	cp.codec = codec
	return &cp
}

func (s *Store) stateCodec() StateCodec {
	if s.codec != nil {
		return s.codec
	}
	return jsonCodec{}
}

func toWire(codec StateCodec, snap *store.Snapshot) (*wireSnapshot, error) {
	raw, err := codec.Marshal(snap.State)
	if err != nil {
		return nil, fmt.Errorf("redisstore: marshal state: %w", err)
	}
	return &wireSnapshot{
		FlowID: snap.FlowID, State: raw, CompletedSteps: snap.CompletedSteps,
		Position: snap.Position, Status: snap.Status,
		Error: snap.Error, Wait: snap.Wait, CreatedAt: snap.CreatedAt, UpdatedAt: snap.UpdatedAt,
		Version: snap.Version,
	}, nil
}

func fromWire(codec StateCodec, w *wireSnapshot) (*store.Snapshot, error) {
	state, err := codec.Unmarshal(w.State)
	if err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal state: %w", err)
	}
	return &store.Snapshot{
		FlowID: w.FlowID, State: state, CompletedSteps: w.CompletedSteps,
		Position: w.Position, Status: w.Status,
		Error: w.Error, Wait: w.Wait, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
		Version: w.Version,
	}, nil
}

// Create inserts the snapshot iff its key is absent, using SETNX so
// the insert-or-conflict decision is a single atomic round trip.
func (s *Store) Create(ctx context.Context, snap *store.Snapshot) (bool, error) {
	now := time.Now()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	snap.Version = 1

	w, err := toWire(s.stateCodec(), snap)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.snapKey(snap.FlowID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: create: %w", err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, flowID string) (*store.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.snapKey(flowID)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get: %w", err)
	}
	var w wireSnapshot
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("redisstore: decode snapshot: %w", err)
	}
	return fromWire(s.stateCodec(), &w)
}

// casScript implements the generic "update iff the stored JSON's
// version field matches ARGV[2]" compare-and-set used by Update
// (UpdateSimple and Heartbeat have their own scripts below). It is the
// Redis-native analogue of a
// single-key optimistic update: the whole read-modify-write happens
// inside the Lua interpreter, so there is no window for a concurrent
// writer to interleave.
var casScript = redis.NewScript(`
local current = redis.call("get", KEYS[1])
if current == false then
  return {0, "not_found"}
end
local cur = cjson.decode(current)
if cur.version ~= tonumber(ARGV[2]) then
  return {0, "conflict"}
end
redis.call("set", KEYS[1], ARGV[1])
return {1, "ok"}
`)

// Update writes snap iff the stored version equals snap.Version.
func (s *Store) Update(ctx context.Context, snap *store.Snapshot) (bool, error) {
	snap.UpdatedAt = time.Now()
	nextVersion := snap.Version + 1
	writeVersion := snap.Version
	snap.Version = nextVersion

	w, err := toWire(s.stateCodec(), snap)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return false, err
	}

	res, err := casScript.Run(ctx, s.client, []string{s.snapKey(snap.FlowID)}, payload, writeVersion).Result()
	if err != nil {
		snap.Version = writeVersion
		return false, fmt.Errorf("redisstore: update: %w", err)
	}
	ok, reason := decodeCASResult(res)
	if !ok {
		snap.Version = writeVersion
		if reason == "not_found" {
			return false, store.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func decodeCASResult(res any) (bool, string) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, "malformed"
	}
	code, _ := arr[0].(int64)
	reason, _ := arr[1].(string)
	return code == 1, reason
}

func (s *Store) Delete(ctx context.Context, flowID string) (bool, error) {
	n, err := s.client.Del(ctx, s.snapKey(flowID)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: delete: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetWaitCondition(ctx context.Context, corrID string, w *store.WaitCondition) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.waitKey(corrID), payload, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set wait condition: %w", err)
	}
	return nil
}

func (s *Store) GetWaitCondition(ctx context.Context, corrID string) (*store.WaitCondition, error) {
	raw, err := s.client.Get(ctx, s.waitKey(corrID)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get wait condition: %w", err)
	}
	var w store.WaitCondition
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWaitCondition uses WATCH/MULTI: it's a multi-field structural
// mutation (append-to-result-list-and-increment) rather than a single
// scalar compare-and-set, so a Lua script would need to re-implement
// the full mutator in Lua. WATCH/MULTI lets the mutator stay a plain
// Go closure while keeping the read-modify-write atomic against
// concurrent signals for the same correlation id.
func (s *Store) UpdateWaitCondition(ctx context.Context, corrID string, mutate store.WaitMutator) (*store.WaitCondition, error) {
	key := s.waitKey(corrID)
	var result *store.WaitCondition

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var w store.WaitCondition
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		if err := mutate(&w); err != nil {
			return err
		}
		payload, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		result = &w
		return err
	}

	for attempt := 0; attempt < 10; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue // another signal landed first, retry the read-modify-write
		}
		return nil, fmt.Errorf("redisstore: update wait condition: %w", err)
	}
	return nil, fmt.Errorf("redisstore: update wait condition: too much contention on %s", corrID)
}

func (s *Store) ClearWaitCondition(ctx context.Context, corrID string) error {
	if err := s.client.Del(ctx, s.waitKey(corrID)).Err(); err != nil {
		return fmt.Errorf("redisstore: clear wait condition: %w", err)
	}
	return nil
}

// GetTimedOutWaitConditions scans the wait-key namespace. A production
// deployment with many in-flight waits would maintain a sorted set
// keyed by timeout instead of a full SCAN; the core's contract (§6)
// only requires correctness, not a particular index, and the teacher
// itself uses SCAN-based housekeeping in pkg/queue/dragonfly.go.
func (s *Store) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*store.WaitCondition, error) {
	pattern := s.waitKey("*")
	var out []*store.WaitCondition

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var w store.WaitCondition
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		if w.Satisfied() {
			continue
		}
		if w.Timeout.IsZero() || w.Timeout.After(now) {
			continue
		}
		wc := w
		out = append(out, &wc)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan wait conditions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveForEachProgress(ctx context.Context, flowID, stepPath string, p *store.ForEachProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.progressKey(flowID, stepPath), payload, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: save foreach progress: %w", err)
	}
	return nil
}

func (s *Store) GetForEachProgress(ctx context.Context, flowID, stepPath string) (*store.ForEachProgress, error) {
	raw, err := s.client.Get(ctx, s.progressKey(flowID, stepPath)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get foreach progress: %w", err)
	}
	var p store.ForEachProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	if err := s.client.Del(ctx, s.progressKey(flowID, stepPath)).Err(); err != nil {
		return fmt.Errorf("redisstore: clear foreach progress: %w", err)
	}
	return nil
}

// claimScript atomically transfers ownership of a simple-flow state
// iff it is not terminal and the current owner's heartbeat predates
// now-claimTimeoutMs (or has no owner at all).
var claimScript = redis.NewScript(`
local current = redis.call("get", KEYS[1])
if current == false then
  return {0, "not_found", ""}
end
local s = cjson.decode(current)
if s.status == "done" or s.status == "failed" then
  return {0, "terminal", current}
end
local now = tonumber(ARGV[2])
local claimTimeoutMs = tonumber(ARGV[3])
if s.owner ~= "" and (now - s.heartbeat_at) < claimTimeoutMs then
  return {0, "held", ""}
end
s.owner = ARGV[1]
s.heartbeat_at = now
s.version = s.version + 1
local updated = cjson.encode(s)
redis.call("set", KEYS[1], updated)
return {1, "ok", updated}
`)

func (s *Store) TryClaim(ctx context.Context, flowType, flowID, nodeID string, claimTimeoutMs int64) (*store.SimpleState, bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.simpleKey(flowID)}, nodeID, time.Now().UnixMilli(), claimTimeoutMs).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: try claim: %w", err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return nil, false, fmt.Errorf("redisstore: try claim: malformed response")
	}
	code, _ := arr[0].(int64)
	reason, _ := arr[1].(string)
	switch reason {
	case "not_found":
		return nil, false, store.ErrNotFound
	case "held":
		return nil, false, nil
	}
	raw, _ := arr[2].(string)
	if raw == "" {
		return nil, false, nil
	}
	var st store.SimpleState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false, err
	}
	return &st, code == 1, nil
}

// heartbeatScript updates heartbeat_at iff owner and version match.
var heartbeatScript = redis.NewScript(`
local current = redis.call("get", KEYS[1])
if current == false then
  return 0
end
local s = cjson.decode(current)
if s.owner ~= ARGV[1] or s.version ~= tonumber(ARGV[2]) then
  return 0
end
s.heartbeat_at = tonumber(ARGV[3])
redis.call("set", KEYS[1], cjson.encode(s))
return 1
`)

func (s *Store) Heartbeat(ctx context.Context, flowID, owner string, version int64) (bool, error) {
	res, err := heartbeatScript.Run(ctx, s.client, []string{s.simpleKey(flowID)}, owner, version, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: heartbeat: %w", err)
	}
	return res == 1, nil
}

func (s *Store) CreateSimple(ctx context.Context, st *store.SimpleState) (bool, error) {
	st.Version = 1
	payload, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.simpleKey(st.ID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: create simple: %w", err)
	}
	return ok, nil
}

func (s *Store) GetSimple(ctx context.Context, flowID string) (*store.SimpleState, error) {
	raw, err := s.client.Get(ctx, s.simpleKey(flowID)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get simple: %w", err)
	}
	var st store.SimpleState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// updateSimpleScript CASes on (owner, version) together, since the
// simple engine's ownership transfer protocol (spec.md §4.5) requires
// both to match before a write lands.
var updateSimpleScript = redis.NewScript(`
local current = redis.call("get", KEYS[1])
if current == false then
  return 0
end
local cur = cjson.decode(current)
local next = cjson.decode(ARGV[1])
if cur.owner ~= next.owner or cur.version ~= next.version then
  return 0
end
next.version = next.version + 1
redis.call("set", KEYS[1], cjson.encode(next))
return 1
`)

func (s *Store) UpdateSimple(ctx context.Context, st *store.SimpleState) (bool, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	res, err := updateSimpleScript.Run(ctx, s.client, []string{s.simpleKey(st.ID)}, payload).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: update simple: %w", err)
	}
	if res == 1 {
		st.Version++
	}
	return res == 1, nil
}
