package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Memory is a full in-process implementation of Adapter. It backs tests and
// single-node deployments; multi-node deployments use the Redis adapter.
type Memory struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any // collection -> id -> fields
	order   map[string][]string                  // collection -> ids in arrival order
	subs    map[string][]*memorySub              // collection -> subscribers
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]map[string]any),
		order:   make(map[string][]string),
		subs:    make(map[string][]*memorySub),
	}
}

type memorySub struct {
	filter FilterFunc
	out    chan Change

	mu     sync.Mutex
	queue  []Change
	wake   chan struct{}
	done   chan struct{}
	closed bool

	// seen tracks record ids surfaced to this subscriber so a record that
	// stops matching the filter can be delivered as Removed.
	seen map[string]struct{}
}

func (s *memorySub) push(c Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// pump drains the queue into the outbound channel, preserving order without
// blocking writers.
func (s *memorySub) pump() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- c:
			case <-s.done:
				close(s.out)
				return
			}
		}
	}
	close(s.out)
}

func (s *memorySub) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	close(s.wake)
	s.mu.Unlock()
}

func (m *Memory) CreateRecord(_ context.Context, collection, id string, fields map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.records[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		m.records[collection] = coll
	}
	if _, exists := coll[id]; !exists {
		m.order[collection] = append(m.order[collection], id)
	}
	coll[id] = maps.Clone(fields)
	m.notify(collection, Record{ID: id, Fields: maps.Clone(fields)}, false)
	return id, nil
}

func (m *Memory) UpdateRecord(_ context.Context, collection, id string, partial map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.records[collection]
	fields, ok := coll[id]
	if !ok {
		return ErrNotFound
	}
	maps.Copy(fields, partial)
	m.notify(collection, Record{ID: id, Fields: maps.Clone(fields)}, false)
	return nil
}

func (m *Memory) UpdateRecordIf(_ context.Context, collection, id, field string, allowed []string, partial map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.records[collection]
	fields, ok := coll[id]
	if !ok {
		return ErrNotFound
	}
	current, _ := fields[field].(string)
	if !slices.Contains(allowed, current) {
		return ErrConflict
	}
	maps.Copy(fields, partial)
	m.notify(collection, Record{ID: id, Fields: maps.Clone(fields)}, false)
	return nil
}

func (m *Memory) DeleteRecord(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.records[collection]
	fields, ok := coll[id]
	if !ok {
		return nil
	}
	delete(coll, id)
	for i, oid := range m.order[collection] {
		if oid == id {
			m.order[collection] = append(m.order[collection][:i], m.order[collection][i+1:]...)
			break
		}
	}
	m.notify(collection, Record{ID: id, Fields: maps.Clone(fields)}, true)
	return nil
}

// notify routes one record change to every subscriber of the collection.
// Callers hold m.mu.
func (m *Memory) notify(collection string, rec Record, deleted bool) {
	for _, sub := range m.subs[collection] {
		matches := !deleted && (sub.filter == nil || sub.filter(rec))
		_, surfaced := sub.seen[rec.ID]

		switch {
		case matches && !surfaced:
			sub.seen[rec.ID] = struct{}{}
			sub.push(Change{Kind: Added, Record: rec})
		case matches && surfaced:
			sub.push(Change{Kind: Updated, Record: rec})
		case !matches && surfaced:
			delete(sub.seen, rec.ID)
			sub.push(Change{Kind: Removed, Record: rec})
		}
	}
}

func (m *Memory) Subscribe(_ context.Context, collection string, filter FilterFunc) (<-chan Change, CancelFunc, error) {
	sub := &memorySub{
		filter: filter,
		out:    make(chan Change, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	go sub.pump()

	m.mu.Lock()
	// Replay existing matches as Added, in arrival order, before any live
	// change.
	for _, id := range m.order[collection] {
		rec := Record{ID: id, Fields: maps.Clone(m.records[collection][id])}
		if filter == nil || filter(rec) {
			sub.seen[id] = struct{}{}
			sub.push(Change{Kind: Added, Record: rec})
		}
	}
	m.subs[collection] = append(m.subs[collection], sub)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			subs := m.subs[collection]
			for i, s := range subs {
				if s == sub {
					m.subs[collection] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
			sub.close()
		})
	}
	return sub.out, cancel, nil
}

func (m *Memory) SubscribeChildren(ctx context.Context, collection, parentID, child string) (<-chan Record, CancelFunc, error) {
	changes, cancel, err := m.Subscribe(ctx, ChildCollection(collection, parentID, child), nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Record, 16)
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
