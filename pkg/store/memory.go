package store

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// MemoryStore keeps the document in process. Every write notifies all
// subscribers, even when the written value is unchanged.
type MemoryStore struct {
	name string

	mutex       sync.Mutex
	document    map[string]any
	subscribers map[int]func()
	nextID      int
}

func NewMemoryStore(name string, initial map[string]any) *MemoryStore {
	document, _ := Copy(initial).(map[string]any)
	if document == nil {
		document = make(map[string]any)
	}
	return &MemoryStore{
		name:        name,
		document:    document,
		subscribers: make(map[int]func()),
	}
}

func (s *MemoryStore) Name() string {
	return s.name
}

func (s *MemoryStore) Read(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("store read cancelled", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Copy(s.document), nil
}

// Get returns a single top level field
func (s *MemoryStore) Get(key string) (any, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	value, ok := s.document[key]
	return Copy(value), ok
}

func (s *MemoryStore) Set(key string, value any) {
	s.write(func(doc map[string]any) {
		doc[key] = Copy(value)
	})
}

// Update sets several fields with a single notification
func (s *MemoryStore) Update(values map[string]any) {
	s.write(func(doc map[string]any) {
		for k, v := range values {
			doc[k] = Copy(v)
		}
	})
}

func (s *MemoryStore) Delete(key string) {
	s.write(func(doc map[string]any) {
		delete(doc, key)
	})
}

func (s *MemoryStore) write(mutate func(doc map[string]any)) {
	s.mutex.Lock()
	mutate(s.document)
	subscribers := make([]func(), 0, len(s.subscribers))
	for _, notify := range s.subscribers {
		subscribers = append(subscribers, notify)
	}
	s.mutex.Unlock()

	for _, notify := range subscribers {
		notify()
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, notify func()) (func(), error) {
	if notify == nil {
		return nil, errors.NewValidationError("notify callback cannot be nil", nil)
	}

	s.mutex.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = notify
	s.mutex.Unlock()

	cancelled := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mutex.Lock()
			delete(s.subscribers, id)
			s.mutex.Unlock()
			close(cancelled)
		})
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-cancelled:
			}
		}()
	}

	return cancel, nil
}

// SubscriberCount is the number of active subscriptions
func (s *MemoryStore) SubscriberCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.subscribers)
}
