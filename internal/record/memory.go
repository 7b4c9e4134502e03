package record

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	broker  *Broker
	closed  bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		broker:  NewBroker(),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	r = prepare(r, s.now())
	if _, ok := s.records[r.ID]; ok {
		return Record{}, ErrExists
	}
	s.records[r.ID] = r
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id)
}

func (s *MemoryStore) lookup(id string) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}
	r, ok := s.records[id]
	if !ok || r.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	changed, err := applyPatch(&r, p)
	if err != nil || !changed {
		return err
	}
	s.records[id] = r
	s.broker.Publish(r)
	return nil
}

func (s *MemoryStore) IncrementDownloadCount(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	r.DownloadCount++
	s.records[id] = r
	return r.DownloadCount, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(id); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(id, &r, fn), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.broker.Close()
	return nil
}
