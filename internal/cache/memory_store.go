package cache

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStorage 构建进程内缓存，每个代际对应一个永不过期的 go-cache 实例。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*gocache.Cache)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*gocache.Cache
}

type memoryGeneration struct {
	storage *memoryStorage
	name    string
}

type memoryItem struct {
	key    Key
	record Record
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.ensure(name)
	return &memoryGeneration{storage: s, name: name}, nil
}

func (s *memoryStorage) ensure(name string) *gocache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = gocache.New(gocache.NoExpiration, 0)
		s.stores[name] = store
	}
	return store
}

func (s *memoryStorage) lookup(name string) (*gocache.Cache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[name]
	return store, ok
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := s.lookup(name)
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	store, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if ok {
		store.Flush()
	}
	return ok, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, ok := g.storage.lookup(g.name)
	if !ok {
		return nil, ErrNotFound
	}
	value, found := store.Get(key.String())
	if !found {
		return nil, ErrNotFound
	}
	item := value.(memoryItem)
	record := item.record.Clone()
	return &record, nil
}

func (g *memoryGeneration) Put(ctx context.Context, key Key, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store := g.storage.ensure(g.name)
	store.Set(key.String(), memoryItem{key: key, record: record.Clone()}, gocache.NoExpiration)
	return nil
}

func (g *memoryGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, ok := g.storage.lookup(g.name)
	if !ok {
		return nil, nil
	}
	items := store.Items()
	keys := make([]Key, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Object.(memoryItem).key)
	}
	sortKeys(keys)
	return keys, nil
}
