package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "vl:rec:"
	idxPrefix     = "vl:idx:"
	changePrefix  = "vl:changes:"
	changeBufSize = 64
)

// mergeIfAllowed merges a JSON object into an existing record only while a
// guard field holds one of the allowed values. Returns 0 if the record does
// not exist, -1 if the guard does not hold.
var mergeIfAllowed = redis.NewScript(`
-- KEYS[1] = record key
-- ARGV[1] = partial fields (JSON object)
-- ARGV[2] = publish channel
-- ARGV[3] = record id
-- ARGV[4] = guard field name
-- ARGV[5] = allowed values (JSON array)
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local fields = cjson.decode(raw)
local ok = false
for _, v in ipairs(cjson.decode(ARGV[5])) do
  if fields[ARGV[4]] == v then
    ok = true
  end
end
if not ok then
  return -1
end
local partial = cjson.decode(ARGV[1])
for k, v in pairs(partial) do
  fields[k] = v
end
redis.call('SET', KEYS[1], cjson.encode(fields))
redis.call('PUBLISH', ARGV[2], cjson.encode({kind='updated', id=ARGV[3], fields=fields}))
return 1
`)

// createAndIndex stores a record and appends its id to the collection's
// arrival-order index, once, so subscribers replay records in the order
// they were created.
var createAndIndex = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = collection index key
-- ARGV[1] = record fields (JSON object)
-- ARGV[2] = record id
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('RPUSH', KEYS[2], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// mergeIfExists merges a JSON object into an existing record atomically.
// Returns 0 if the record does not exist.
var mergeIfExists = redis.NewScript(`
-- KEYS[1] = record key
-- ARGV[1] = partial fields (JSON object)
-- ARGV[2] = publish channel
-- ARGV[3] = record id
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local fields = cjson.decode(raw)
local partial = cjson.decode(ARGV[1])
for k, v in pairs(partial) do
  fields[k] = v
end
local merged = cjson.encode(fields)
redis.call('SET', KEYS[1], merged)
redis.call('PUBLISH', ARGV[2], cjson.encode({kind='updated', id=ARGV[3], fields=fields}))
return 1
`)

// Redis implements Adapter on a shared Redis instance: one JSON value per
// record, one pub/sub channel per collection as the change feed. Suitable
// when multiple signaling nodes share call state.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedis(rdb *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, log: log}
}

type changeMsg struct {
	Kind   ChangeKind     `json:"kind"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func recordKey(collection, id string) string { return keyPrefix + collection + ":" + id }
func indexKey(collection string) string      { return idxPrefix + collection }
func changeChannel(collection string) string { return changePrefix + collection }

func (r *Redis) CreateRecord(ctx context.Context, collection, id string, fields map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("store: encode record: %w", err)
	}
	err = createAndIndex.Run(ctx, r.rdb,
		[]string{recordKey(collection, id), indexKey(collection)},
		raw, id,
	).Err()
	if err != nil {
		return "", fmt.Errorf("store: create record: %w", err)
	}
	r.publish(ctx, collection, changeMsg{Kind: Added, ID: id, Fields: fields})
	return id, nil
}

func (r *Redis) UpdateRecord(ctx context.Context, collection, id string, partial map[string]any) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("store: encode partial: %w", err)
	}
	n, err := mergeIfExists.Run(ctx, r.rdb,
		[]string{recordKey(collection, id)},
		raw, changeChannel(collection), id,
	).Int()
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) UpdateRecordIf(ctx context.Context, collection, id, field string, allowed []string, partial map[string]any) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("store: encode partial: %w", err)
	}
	allowedRaw, err := json.Marshal(allowed)
	if err != nil {
		return fmt.Errorf("store: encode guard: %w", err)
	}
	n, err := mergeIfAllowed.Run(ctx, r.rdb,
		[]string{recordKey(collection, id)},
		raw, changeChannel(collection), id, field, allowedRaw,
	).Int()
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	switch n {
	case 0:
		return ErrNotFound
	case -1:
		return ErrConflict
	}
	return nil
}

func (r *Redis) DeleteRecord(ctx context.Context, collection, id string) error {
	raw, err := r.rdb.GetDel(ctx, recordKey(collection, id)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	if err := r.rdb.LRem(ctx, indexKey(collection), 1, id).Err(); err != nil {
		r.log.Error("store: unindex record", "collection", collection, "id", id, "err", err)
	}
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)
	r.publish(ctx, collection, changeMsg{Kind: Removed, ID: id, Fields: fields})
	return nil
}

func (r *Redis) publish(ctx context.Context, collection string, msg changeMsg) {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("store: encode change", "err", err)
		return
	}
	if err := r.rdb.Publish(ctx, changeChannel(collection), raw).Err(); err != nil {
		// Subscribers degrade to no live updates; the record itself is stored.
		r.log.Error("store: publish change", "collection", collection, "err", err)
	}
}

func (r *Redis) Subscribe(ctx context.Context, collection string, filter FilterFunc) (<-chan Change, CancelFunc, error) {
	ps := r.rdb.Subscribe(ctx, changeChannel(collection))
	// Wait for the subscription to be confirmed so the replay below cannot
	// miss changes published after it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("store: subscribe %s: %w", collection, err)
	}

	out := make(chan Change, changeBufSize)
	subCtx, stop := context.WithCancel(context.Background())

	go r.run(subCtx, ps, collection, filter, out)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

// run replays existing records, then pumps live changes. seen mirrors the
// memory adapter: it turns the first matching update into Added and a
// filtered-out update into Removed.
func (r *Redis) run(ctx context.Context, ps *redis.PubSub, collection string, filter FilterFunc, out chan<- Change) {
	defer close(out)

	seen := make(map[string]struct{})
	emit := func(c Change) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !r.replay(ctx, collection, filter, seen, emit) {
		return
	}

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("store: change feed closed", "collection", collection, "err", err)
			}
			return
		}
		var cm changeMsg
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			r.log.Error("store: decode change", "collection", collection, "err", err)
			continue
		}
		rec := Record{ID: cm.ID, Fields: cm.Fields}
		matches := cm.Kind != Removed && (filter == nil || filter(rec))
		_, surfaced := seen[cm.ID]

		var delivered bool
		switch {
		case matches && !surfaced:
			seen[cm.ID] = struct{}{}
			delivered = emit(Change{Kind: Added, Record: rec})
		case matches && surfaced:
			delivered = emit(Change{Kind: Updated, Record: rec})
		case !matches && surfaced:
			delete(seen, cm.ID)
			delivered = emit(Change{Kind: Removed, Record: rec})
		default:
			delivered = true
		}
		if !delivered {
			return
		}
	}
}

func (r *Redis) replay(ctx context.Context, collection string, filter FilterFunc, seen map[string]struct{}, emit func(Change) bool) bool {
	ids, err := r.rdb.LRange(ctx, indexKey(collection), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("store: replay index", "collection", collection, "err", err)
		}
		return true
	}
	for _, id := range ids {
		raw, err := r.rdb.Get(ctx, recordKey(collection, id)).Bytes()
		if err != nil {
			// Deleted between the index read and here.
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			r.log.Error("store: decode record", "collection", collection, "id", id, "err", err)
			continue
		}
		rec := Record{ID: id, Fields: fields}
		if filter != nil && !filter(rec) {
			continue
		}
		seen[rec.ID] = struct{}{}
		if !emit(Change{Kind: Added, Record: rec}) {
			return false
		}
	}
	return true
}

func (r *Redis) SubscribeChildren(ctx context.Context, collection, parentID, child string) (<-chan Record, CancelFunc, error) {
	changes, cancel, err := r.Subscribe(ctx, ChildCollection(collection, parentID, child), nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Record, changeBufSize)
	go func() {
		defer close(out)
		for c := range changes {
			if c.Kind == Added {
				out <- c.Record
			}
		}
	}()
	return out, cancel, nil
}
