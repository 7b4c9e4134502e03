package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists records as JSON values in BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	broker *Broker

	mu  sync.Mutex
	now func() time.Time
}

// OpenBadger opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, broker: NewBroker(), now: time.Now}, nil
}

func recordKey(id string) []byte {
	return []byte("record:" + id)
}

func (s *BadgerStore) load(txn *badger.Txn, id string) (Record, error) {
	var r Record
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if r.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *BadgerStore) save(txn *badger.Txn, r Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	e := badger.NewEntry(recordKey(r.ID), val)
	if r.ExpiresAt > 0 {
		ttl := time.UnixMilli(r.ExpiresAt).Sub(s.now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

func (s *BadgerStore) Create(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r = prepare(r, s.now())
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := s.load(txn, r.ID); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.save(txn, r)
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (Record, error) {
	var r Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = s.load(txn, id)
		return err
	})
	return r, err
}

func (s *BadgerStore) UpdateFields(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		r       Record
		changed bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if r, err = s.load(txn, id); err != nil {
			return err
		}
		if changed, err = applyPatch(&r, p); err != nil || !changed {
			return err
		}
		return s.save(txn, r)
	})
	if err != nil {
		return err
	}
	if changed {
		s.broker.Publish(r)
	}
	return nil
}

func (s *BadgerStore) IncrementDownloadCount(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.db.Update(func(txn *badger.Txn) error {
		r, err := s.load(txn, id)
		if err != nil {
			return err
		}
		r.DownloadCount++
		count = r.DownloadCount
		return s.save(txn, r)
	})
	return count, err
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := s.load(txn, id); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

func (s *BadgerStore) Subscribe(_ context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(id, &r, fn), nil
}

func (s *BadgerStore) Close() error {
	s.broker.Close()
	return s.db.Close()
}
